package hybrid

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/mschirtzinger/todosync/internal/schema"
)

// GetTodos reads from the local replica.
func (o *Orchestrator) GetTodos(ctx context.Context) ([]schema.Todo, error) {
	return o.local.GetTodos(ctx)
}

// GetTodo reads from the local replica.
func (o *Orchestrator) GetTodo(ctx context.Context, id string) (schema.Todo, error) {
	return o.local.GetTodo(ctx, o.resolve(id))
}

// GetStats computes statistics over the local replica.
func (o *Orchestrator) GetStats(ctx context.Context) (schema.TodoStats, error) {
	return o.local.GetStats(ctx)
}

// Health reports the local replica's health. The hybrid service stays usable
// while the remote is down.
func (o *Orchestrator) Health(ctx context.Context) error {
	return o.local.Health(ctx)
}

// CreateTodo writes the record locally and mirrors it.
func (o *Orchestrator) CreateTodo(ctx context.Context, dto schema.CreateTodo) (schema.Todo, error) {
	t, err := o.local.CreateTodo(ctx, dto)
	if err != nil {
		return schema.Todo{}, err
	}
	op, err := schema.NewCreateOperation(t, o.now())
	if err != nil {
		o.logger.Printf("Warning: failed to build create operation for %s: %v", t.ID, err)
		return t, nil
	}
	o.route(ctx, op)
	return t, nil
}

// UpdateTodo writes the change locally and mirrors the patch.
func (o *Orchestrator) UpdateTodo(ctx context.Context, id string, patch schema.TodoPatch) (schema.Todo, error) {
	if err := schema.ValidatePatch(&patch); err != nil {
		return schema.Todo{}, err
	}
	id = o.resolve(id)
	t, err := o.local.UpdateTodo(ctx, id, patch)
	if err != nil {
		return schema.Todo{}, err
	}
	if patch.IsEmpty() {
		return t, nil
	}
	op, err := schema.NewUpdateOperation(id, patch, o.now())
	if err != nil {
		o.logger.Printf("Warning: failed to build update operation for %s: %v", id, err)
		return t, nil
	}
	o.route(ctx, op)
	return t, nil
}

// DeleteTodo removes the record locally and mirrors the removal.
func (o *Orchestrator) DeleteTodo(ctx context.Context, id string) error {
	id = o.resolve(id)
	if err := o.local.DeleteTodo(ctx, id); err != nil {
		return err
	}
	op, err := schema.NewDeleteOperation(id, o.now())
	if err != nil {
		o.logger.Printf("Warning: failed to build delete operation for %s: %v", id, err)
		return nil
	}
	o.route(ctx, op)
	return nil
}

// ReorderTodos reorders locally and mirrors every position that changed.
func (o *Orchestrator) ReorderTodos(ctx context.Context, updates []schema.OrderUpdate) ([]schema.Todo, error) {
	before, err := o.local.GetTodos(ctx)
	if err != nil {
		return nil, err
	}
	prev := make(map[string]int, len(before))
	for _, t := range before {
		prev[t.ID] = t.Order
	}

	resolved := make([]schema.OrderUpdate, len(updates))
	for i, u := range updates {
		resolved[i] = schema.OrderUpdate{ID: o.resolve(u.ID), Order: u.Order}
	}
	result, err := o.local.ReorderTodos(ctx, resolved)
	if err != nil {
		return nil, err
	}

	var changed []schema.OrderUpdate
	for _, t := range result {
		if old, ok := prev[t.ID]; !ok || old != t.Order {
			changed = append(changed, schema.OrderUpdate{ID: t.ID, Order: t.Order})
		}
	}
	if len(changed) > 0 {
		o.dispatch(job{kind: jobReorder, orders: changed})
	}
	return result, nil
}

// AddOfflineOperation queues op directly, bypassing the local replica. Used
// by collaborators that recorded a mutation elsewhere.
func (o *Orchestrator) AddOfflineOperation(ctx context.Context, op schema.PendingOperation) error {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = o.now()
	}
	if op.Resource == "" {
		op.Resource = schema.ResourceTodos
	}
	if op.Resource != schema.ResourceTodos {
		return &schema.ValidationError{Field: "resource", Message: fmt.Sprintf("unsupported resource %q", op.Resource)}
	}
	op.TodoID = o.resolve(op.TodoID)

	if _, err := o.queue.Enqueue(ctx, op); err != nil {
		return err
	}
	o.logger.Printf("Queued %s for %s", op.Type, op.TodoID)
	return nil
}

// route sends op to the worker, or straight to the queue when the remote
// cannot be tried. Operations for a record that already has queued work
// always queue behind it; operations for a record with work still at the
// worker always follow it there.
func (o *Orchestrator) route(ctx context.Context, op schema.PendingOperation) {
	op.MaxRetries = o.cfg.MaxRetries
	o.mu.Lock()
	busy := o.inflight[op.TodoID] > 0
	o.mu.Unlock()

	if !busy {
		reason := o.blockedReason()
		if reason == "" && o.queue.HasPending(op.TodoID) {
			reason = "waiting for earlier changes"
		}
		if reason != "" {
			o.deferOp(ctx, op, reason)
			return
		}
	}
	o.dispatch(job{kind: jobMirror, op: op})
}

// resolve follows server-assigned id renames.
func (o *Orchestrator) resolve(id string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.resolveLocked(id)
}

func (o *Orchestrator) resolveLocked(id string) string {
	for i := 0; i < len(o.aliases) && o.aliases[id] != ""; i++ {
		id = o.aliases[id]
	}
	return id
}
