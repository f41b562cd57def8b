package hybrid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mschirtzinger/todosync/internal/events"
	"github.com/mschirtzinger/todosync/internal/kv"
	"github.com/mschirtzinger/todosync/internal/schema"
	"github.com/mschirtzinger/todosync/internal/storage"
)

// Queue is the durable pending-operation queue. The whole queue is one
// document under kv.KeyPendingOperations, rewritten on every change; the
// in-memory copy is replaced only after the write succeeds.
//
// Enqueue coalesces operations for the same record:
//
//	create + update  -> create carrying the patched record
//	create + delete  -> nothing (the remote never hears of the record)
//	update + delete  -> delete
//	update + update  -> one update with the merged patch
//
// An operation claimed by the drain is never coalesced into; later
// operations queue behind it instead.
type Queue struct {
	backend kv.Backend
	now     func() time.Time

	mu      sync.Mutex
	ops     []schema.PendingOperation
	claimed map[string]bool

	count events.Feed[int]
}

// NewQueue creates an empty queue over backend. Call Load to read the
// persisted operations.
func NewQueue(backend kv.Backend) *Queue {
	return &Queue{
		backend: backend,
		now:     func() time.Time { return time.Now().UTC() },
		claimed: make(map[string]bool),
	}
}

// Load replaces the in-memory queue with the persisted one. A missing key is
// an empty queue. Entries that fail validation or have no retries left are
// discarded and returned as failures.
func (q *Queue) Load(ctx context.Context) (dropped []DrainFailure, err error) {
	data, err := q.backend.Get(ctx, kv.KeyPendingOperations)
	if errors.Is(err, kv.ErrKeyNotFound) {
		data, err = nil, nil
	}
	if err != nil {
		return nil, &storage.Error{Op: "queue.load", Err: err}
	}

	var ops []schema.PendingOperation
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &ops); err != nil {
			return nil, &storage.Error{Op: "queue.load", Err: fmt.Errorf("%w: pending operations: %v", storage.ErrCorrupt, err)}
		}
	}

	valid := ops[:0]
	for _, op := range ops {
		if op.MaxRetries == 0 {
			op.MaxRetries = schema.DefaultMaxRetries
		}
		if err := op.Validate(); err != nil {
			dropped = append(dropped, DrainFailure{Operation: op, Err: err})
			continue
		}
		if op.Exhausted() {
			dropped = append(dropped, DrainFailure{Operation: op, Err: fmt.Errorf("no retries left after %d attempts", op.RetryCount)})
			continue
		}
		valid = append(valid, op)
	}

	q.mu.Lock()
	q.ops = valid
	q.claimed = make(map[string]bool)
	n := len(q.ops)
	q.mu.Unlock()

	q.count.Publish(n)
	return dropped, nil
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Snapshot returns a copy of the queue in FIFO order.
func (q *Queue) Snapshot() []schema.PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]schema.PendingOperation(nil), q.ops...)
}

// Get returns the current version of the operation with opID.
func (q *Queue) Get(opID string) (schema.PendingOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexLocked(opID); i >= 0 {
		return q.ops[i], true
	}
	return schema.PendingOperation{}, false
}

// HasPending reports whether any operation targets todoID.
func (q *Queue) HasPending(todoID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.ops {
		if op.TodoID == todoID {
			return true
		}
	}
	return false
}

// Subscribe registers fn for queue length changes.
func (q *Queue) Subscribe(fn func(count int)) func() {
	return q.count.Subscribe(fn)
}

// Enqueue adds op, coalescing it with operations already queued for the
// same record. It reports cancelled when op annulled a pending create, in
// which case nothing for that record remains queued.
func (q *Queue) Enqueue(ctx context.Context, op schema.PendingOperation) (cancelled bool, err error) {
	if op.MaxRetries == 0 {
		op.MaxRetries = schema.DefaultMaxRetries
	}
	if op.Resource == "" {
		op.Resource = schema.ResourceTodos
	}
	if err := op.Validate(); err != nil {
		return false, err
	}

	err = q.mutate(ctx, func() ([]schema.PendingOperation, error) {
		next, c, err := q.coalesceLocked(op)
		cancelled = c
		return next, err
	})
	return cancelled, err
}

// Claim marks the operation as being attempted and returns its current
// version. Claimed operations are not coalesced into.
func (q *Queue) Claim(opID string) (schema.PendingOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(opID)
	if i < 0 {
		return schema.PendingOperation{}, false
	}
	q.claimed[opID] = true
	return q.ops[i], true
}

// Release ends a claim without changing the operation.
func (q *Queue) Release(opID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.claimed, opID)
}

// Remove deletes the operation and ends any claim on it.
func (q *Queue) Remove(ctx context.Context, opID string) error {
	return q.mutate(ctx, func() ([]schema.PendingOperation, error) {
		delete(q.claimed, opID)
		i := q.indexLocked(opID)
		if i < 0 {
			return nil, nil
		}
		next := make([]schema.PendingOperation, 0, len(q.ops)-1)
		next = append(next, q.ops[:i]...)
		return append(next, q.ops[i+1:]...), nil
	})
}

// Replace stores an updated version of an operation (retry bookkeeping) and
// ends any claim on it.
func (q *Queue) Replace(ctx context.Context, op schema.PendingOperation) error {
	return q.mutate(ctx, func() ([]schema.PendingOperation, error) {
		delete(q.claimed, op.ID)
		i := q.indexLocked(op.ID)
		if i < 0 {
			return nil, nil
		}
		next := append([]schema.PendingOperation(nil), q.ops...)
		next[i] = op
		return next, nil
	})
}

// Rekey points every operation for oldID at newID, including the record id
// inside create payloads.
func (q *Queue) Rekey(ctx context.Context, oldID, newID string) error {
	return q.mutate(ctx, func() ([]schema.PendingOperation, error) {
		next := append([]schema.PendingOperation(nil), q.ops...)
		changed := false
		for i, op := range next {
			if op.TodoID != oldID {
				continue
			}
			op.TodoID = newID
			if op.Type == schema.OpCreate {
				t, err := op.TodoData()
				if err != nil {
					return nil, err
				}
				t.ID = newID
				if op, err = op.WithTodoData(t); err != nil {
					return nil, err
				}
			}
			next[i] = op
			changed = true
		}
		if !changed {
			return nil, nil
		}
		return next, nil
	})
}

// Clear drops every operation.
func (q *Queue) Clear(ctx context.Context) error {
	return q.mutate(ctx, func() ([]schema.PendingOperation, error) {
		q.claimed = make(map[string]bool)
		return []schema.PendingOperation{}, nil
	})
}

// ===== internals =====

func (q *Queue) coalesceLocked(op schema.PendingOperation) ([]schema.PendingOperation, bool, error) {
	next := append([]schema.PendingOperation(nil), q.ops...)

	switch op.Type {
	case schema.OpCreate:
		if i := q.lastFreeLocked(next, op.TodoID, schema.OpCreate); i >= 0 {
			next[i].Data = op.Data
			return next, false, nil
		}

	case schema.OpUpdate:
		patch, err := op.PatchData()
		if err != nil {
			return nil, false, err
		}
		if i := q.lastFreeLocked(next, op.TodoID, schema.OpCreate); i >= 0 && q.isTailLocked(next, i) {
			t, err := next[i].TodoData()
			if err != nil {
				return nil, false, err
			}
			t = t.ApplyPatch(patch, q.now())
			if next[i], err = next[i].WithTodoData(t); err != nil {
				return nil, false, err
			}
			return next, false, nil
		}
		if i := q.lastFreeLocked(next, op.TodoID, schema.OpUpdate); i >= 0 && q.isTailLocked(next, i) {
			prev, err := next[i].PatchData()
			if err != nil {
				return nil, false, err
			}
			merged, err := next[i].WithPatchData(prev.Merge(patch))
			if err != nil {
				return nil, false, err
			}
			merged.Timestamp = op.Timestamp
			next[i] = merged
			return next, false, nil
		}

	case schema.OpDelete:
		cancelsCreate := q.lastFreeLocked(next, op.TodoID, schema.OpCreate) >= 0
		kept := make([]schema.PendingOperation, 0, len(next))
		for _, o := range next {
			if o.TodoID != op.TodoID || q.claimed[o.ID] {
				kept = append(kept, o)
				continue
			}
			if o.Type == schema.OpDelete {
				// already queued
				return nil, false, nil
			}
		}
		if cancelsCreate && !q.anyClaimedForLocked(op.TodoID) {
			return kept, true, nil
		}
		next = kept
	}

	return append(next, op), false, nil
}

// lastFreeLocked returns the index of the last unclaimed operation of typ for
// todoID, or -1.
func (q *Queue) lastFreeLocked(ops []schema.PendingOperation, todoID string, typ schema.OperationType) int {
	for i := len(ops) - 1; i >= 0; i-- {
		if ops[i].TodoID == todoID && ops[i].Type == typ && !q.claimed[ops[i].ID] {
			return i
		}
	}
	return -1
}

// isTailLocked reports whether ops[i] is the last operation for its record.
func (q *Queue) isTailLocked(ops []schema.PendingOperation, i int) bool {
	for _, o := range ops[i+1:] {
		if o.TodoID == ops[i].TodoID {
			return false
		}
	}
	return true
}

func (q *Queue) anyClaimedForLocked(todoID string) bool {
	for _, o := range q.ops {
		if o.TodoID == todoID && q.claimed[o.ID] {
			return true
		}
	}
	return false
}

func (q *Queue) indexLocked(opID string) int {
	for i, op := range q.ops {
		if op.ID == opID {
			return i
		}
	}
	return -1
}

// mutate runs fn under the lock and persists the queue it returns. A nil
// result means nothing changed. Length changes are published after the lock
// is released.
func (q *Queue) mutate(ctx context.Context, fn func() ([]schema.PendingOperation, error)) error {
	q.mu.Lock()
	next, err := fn()
	if err != nil || next == nil {
		q.mu.Unlock()
		return err
	}

	data, err := json.Marshal(next)
	if err != nil {
		q.mu.Unlock()
		return &storage.Error{Op: "queue.save", Err: fmt.Errorf("failed to encode pending operations: %w", err)}
	}
	if err := q.backend.Set(ctx, kv.KeyPendingOperations, data); err != nil {
		q.mu.Unlock()
		return &storage.Error{Op: "queue.save", Err: fmt.Errorf("%w: %v", storage.ErrStorageWrite, err)}
	}
	changed := len(next) != len(q.ops)
	q.ops = next
	n := len(next)
	q.mu.Unlock()

	if changed {
		q.count.Publish(n)
	}
	return nil
}
