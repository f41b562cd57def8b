package remote

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/todosync/internal/schema"
	"github.com/mschirtzinger/todosync/internal/storage"
)

// ItemFunc is called once per batch item as soon as its request finishes.
// Calls are serialised; the callback does not need its own locking.
type ItemFunc func(id string, result schema.Todo, err error)

// CreateTodos creates every dto with at most BatchConcurrency requests in
// flight. A failed item never cancels the others.
func (c *Client) CreateTodos(ctx context.Context, dtos []schema.CreateTodo, onItem ItemFunc) storage.BatchResult {
	return runBatch(ctx, c.cfg.BatchConcurrency, len(dtos), onItem, func(ctx context.Context, i int) (string, schema.Todo, error) {
		t, err := c.CreateTodo(ctx, dtos[i])
		return fmt.Sprintf("#%d", i), t, err
	})
}

// CreateRecords creates full records, proposing their ids.
func (c *Client) CreateRecords(ctx context.Context, todos []schema.Todo, onItem ItemFunc) storage.BatchResult {
	return runBatch(ctx, c.cfg.BatchConcurrency, len(todos), onItem, func(ctx context.Context, i int) (string, schema.Todo, error) {
		t, err := c.CreateRecord(ctx, todos[i])
		return todos[i].ID, t, err
	})
}

// UpdateTodos applies every patch.
func (c *Client) UpdateTodos(ctx context.Context, updates []schema.TodoUpdate, onItem ItemFunc) storage.BatchResult {
	return runBatch(ctx, c.cfg.BatchConcurrency, len(updates), onItem, func(ctx context.Context, i int) (string, schema.Todo, error) {
		t, err := c.UpdateTodo(ctx, updates[i].ID, updates[i].Patch)
		return updates[i].ID, t, err
	})
}

// DeleteTodos deletes every id. Succeeded holds placeholder records that
// carry only the deleted id.
func (c *Client) DeleteTodos(ctx context.Context, ids []string, onItem ItemFunc) storage.BatchResult {
	return runBatch(ctx, c.cfg.BatchConcurrency, len(ids), onItem, func(ctx context.Context, i int) (string, schema.Todo, error) {
		err := c.DeleteTodo(ctx, ids[i])
		return ids[i], schema.Todo{ID: ids[i]}, err
	})
}

type batchItem struct {
	id   string
	todo schema.Todo
	err  error
}

func runBatch(ctx context.Context, limit, n int, onItem ItemFunc, fn func(context.Context, int) (string, schema.Todo, error)) storage.BatchResult {
	items := make([]batchItem, n)

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			id, t, err := fn(ctx, i)
			items[i] = batchItem{id: id, todo: t, err: err}
			if onItem != nil {
				mu.Lock()
				onItem(id, t, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	var result storage.BatchResult
	for _, it := range items {
		if it.err != nil {
			result.Failed = append(result.Failed, storage.BatchError{ID: it.id, Err: it.err})
			continue
		}
		result.Succeeded = append(result.Succeeded, it.todo)
	}
	return result
}
