// Package storage defines the contract shared by every todo replica.
//
// Three implementations satisfy TodoStorageService: the local store
// (internal/local), the remote client (internal/remote), and the hybrid
// orchestrator (internal/hybrid). Callers pick one at startup or on a mode
// switch; the set is closed and selection never happens per call.
package storage

import (
	"context"

	"github.com/mschirtzinger/todosync/internal/schema"
)

// Mode re-exports schema.Mode for callers that only import storage.
type Mode = schema.Mode

const (
	ModeLocal  = schema.ModeLocal
	ModeHybrid = schema.ModeHybrid
	ModeRemote = schema.ModeRemote
)

// TodoStorageService is the CRUD surface every replica variant provides.
type TodoStorageService interface {
	GetTodos(ctx context.Context) ([]schema.Todo, error)
	GetTodo(ctx context.Context, id string) (schema.Todo, error)
	CreateTodo(ctx context.Context, dto schema.CreateTodo) (schema.Todo, error)
	UpdateTodo(ctx context.Context, id string, patch schema.TodoPatch) (schema.Todo, error)
	DeleteTodo(ctx context.Context, id string) error
	ReorderTodos(ctx context.Context, updates []schema.OrderUpdate) ([]schema.Todo, error)
	GetStats(ctx context.Context) (schema.TodoStats, error)

	// Health reports whether the replica can currently serve requests.
	Health(ctx context.Context) error
}

// BatchError is the failure of a single item in a batch.
type BatchError struct {
	ID  string
	Err error
}

// BatchResult collects per-item outcomes. A failed item never aborts the
// rest of the batch.
type BatchResult struct {
	Succeeded []schema.Todo
	Failed    []BatchError
}

// OK reports whether every item succeeded.
func (r BatchResult) OK() bool { return len(r.Failed) == 0 }
