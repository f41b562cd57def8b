package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OperationType is the kind of remote mutation a pending operation replays.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

// ResourceTodos is the only resource the queue currently carries.
const ResourceTodos = "todos"

// DefaultMaxRetries bounds how many drain attempts an operation gets.
const DefaultMaxRetries = 3

// PendingOperation is a remote mutation that has not been confirmed yet.
// Data holds a Todo for creates and a TodoPatch for updates; deletes carry none.
type PendingOperation struct {
	ID         string          `json:"id"`
	Type       OperationType   `json:"type"`
	Resource   string          `json:"resource"`
	TodoID     string          `json:"todoId"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	RetryCount int             `json:"retryCount"`
	MaxRetries int             `json:"maxRetries"`
	LastError  string          `json:"lastError,omitempty"`
}

// NewCreateOperation queues the creation of t.
func NewCreateOperation(t Todo, now time.Time) (PendingOperation, error) {
	return newOperation(OpCreate, t.ID, wireTodo(t), now)
}

// NewUpdateOperation queues a patch of the record with the given id.
func NewUpdateOperation(id string, p TodoPatch, now time.Time) (PendingOperation, error) {
	return newOperation(OpUpdate, id, p, now)
}

// NewDeleteOperation queues the removal of the record with the given id.
func NewDeleteOperation(id string, now time.Time) (PendingOperation, error) {
	return newOperation(OpDelete, id, nil, now)
}

func newOperation(typ OperationType, todoID string, data any, now time.Time) (PendingOperation, error) {
	op := PendingOperation{
		ID:         uuid.NewString(),
		Type:       typ,
		Resource:   ResourceTodos,
		TodoID:     todoID,
		Timestamp:  now,
		MaxRetries: DefaultMaxRetries,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return PendingOperation{}, fmt.Errorf("failed to encode %s operation: %w", typ, err)
		}
		op.Data = raw
	}
	return op, nil
}

// Validate checks the structural fields of an operation loaded from storage
// or handed in by a collaborator.
func (op PendingOperation) Validate() error {
	switch op.Type {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unknown operation type %q", op.Type)}
	}
	if op.TodoID == "" {
		return &ValidationError{Field: "todoId", Message: "operation has no target record"}
	}
	if op.Type != OpDelete && len(op.Data) == 0 {
		return &ValidationError{Field: "data", Message: fmt.Sprintf("%s operation has no payload", op.Type)}
	}
	if op.MaxRetries < 0 || op.RetryCount < 0 {
		return &ValidationError{Field: "retryCount", Message: "retry counters must be non-negative"}
	}
	return nil
}

// Exhausted reports whether the retry budget is spent.
func (op PendingOperation) Exhausted() bool {
	return op.RetryCount >= op.MaxRetries
}

// TodoData decodes the payload of a create operation.
func (op PendingOperation) TodoData() (Todo, error) {
	var t Todo
	if err := json.Unmarshal(op.Data, &t); err != nil {
		return Todo{}, fmt.Errorf("failed to decode create payload: %w", err)
	}
	return t, nil
}

// PatchData decodes the payload of an update operation.
func (op PendingOperation) PatchData() (TodoPatch, error) {
	var p TodoPatch
	if err := json.Unmarshal(op.Data, &p); err != nil {
		return TodoPatch{}, fmt.Errorf("failed to decode update payload: %w", err)
	}
	return p, nil
}

// WithTodoData replaces the payload with t.
func (op PendingOperation) WithTodoData(t Todo) (PendingOperation, error) {
	raw, err := json.Marshal(wireTodo(t))
	if err != nil {
		return op, fmt.Errorf("failed to encode create payload: %w", err)
	}
	op.Data = raw
	return op, nil
}

// WithPatchData replaces the payload with p.
func (op PendingOperation) WithPatchData(p TodoPatch) (PendingOperation, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return op, fmt.Errorf("failed to encode update payload: %w", err)
	}
	op.Data = raw
	return op, nil
}

// wireTodo strips local-only sync metadata.
func wireTodo(t Todo) Todo {
	w := t.Clone()
	w.Synced = false
	w.LastSyncTime = nil
	w.SyncError = ""
	return w
}
