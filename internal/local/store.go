// Package local implements the local replica of the todo collection.
//
// The whole collection is one document in a kv.Backend. Every mutation reads
// the current document, applies the change to a copy, and writes the copy
// back in a single Set. If the write fails the previous document is still in
// place and the in-memory snapshot is left untouched, so callers see either
// the old state or the new state, never a mix.
//
// Reads always go to the backend so that another process sharing the same
// store (the daemon and the CLI, for example) is observed immediately.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mschirtzinger/todosync/internal/kv"
	"github.com/mschirtzinger/todosync/internal/schema"
	"github.com/mschirtzinger/todosync/internal/storage"
)

// Store is the local replica. It implements storage.TodoStorageService.
type Store struct {
	backend kv.Backend
	logger  *log.Logger
	now     func() time.Time
	newID   func() string

	mu       sync.Mutex
	snapshot []schema.Todo
}

var _ storage.TodoStorageService = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithIDGenerator overrides how new record ids are minted.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) {
		s.newID = gen
	}
}

// New creates a Store on top of backend.
//
// If logger is nil, a default logger writing to stderr is used.
func New(backend kv.Backend, logger *log.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = log.New(os.Stderr, "[local] ", log.LstdFlags)
	}
	s := &Store{
		backend: backend,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend exposes the underlying kv store so sibling components (the pending
// queue) can persist their own documents next to the collection.
func (s *Store) Backend() kv.Backend { return s.backend }

// Snapshot returns the last collection read or written without touching the
// backend. It is empty until the first successful operation.
func (s *Store) Snapshot() []schema.Todo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneAll(s.snapshot)
}

// ===== Reads =====

// GetTodos returns every record ordered by position.
func (s *Store) GetTodos(ctx context.Context) ([]schema.Todo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	todos, err := s.load(ctx, "local.list")
	if err != nil {
		return nil, err
	}
	schema.SortByOrder(todos)
	return todos, nil
}

// GetTodo returns one record.
func (s *Store) GetTodo(ctx context.Context, id string) (schema.Todo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	todos, err := s.load(ctx, "local.get")
	if err != nil {
		return schema.Todo{}, err
	}
	i := indexOf(todos, id)
	if i < 0 {
		return schema.Todo{}, notFound("local.get", id)
	}
	return todos[i], nil
}

// GetStats computes statistics over the collection.
func (s *Store) GetStats(ctx context.Context) (schema.TodoStats, error) {
	todos, err := s.GetTodos(ctx)
	if err != nil {
		return schema.TodoStats{}, err
	}
	return schema.ComputeStats(todos, s.now()), nil
}

// Health checks the backend.
func (s *Store) Health(ctx context.Context) error {
	if err := s.backend.Ping(ctx); err != nil {
		return &storage.Error{Op: "local.health", Err: err}
	}
	return nil
}

// ===== Writes =====

// CreateTodo validates dto and appends a new record at the end of the list.
func (s *Store) CreateTodo(ctx context.Context, dto schema.CreateTodo) (schema.Todo, error) {
	if err := schema.ValidateCreate(&dto); err != nil {
		return schema.Todo{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	todos, err := s.load(ctx, "local.create")
	if err != nil {
		return schema.Todo{}, err
	}

	if err := checkDuplicateTitle(todos, dto.Title, ""); err != nil {
		return schema.Todo{}, err
	}

	t := s.newTodo(dto, newOrder(todos))
	todos = append(todos, t)
	if err := s.persist(ctx, "local.create", todos); err != nil {
		return schema.Todo{}, err
	}

	s.logger.Printf("Created todo: %s (%s)", t.ID, t.Title)
	return t, nil
}

// UpdateTodo applies patch to the record with id.
func (s *Store) UpdateTodo(ctx context.Context, id string, patch schema.TodoPatch) (schema.Todo, error) {
	if err := schema.ValidatePatch(&patch); err != nil {
		return schema.Todo{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	todos, err := s.load(ctx, "local.update")
	if err != nil {
		return schema.Todo{}, err
	}
	i := indexOf(todos, id)
	if i < 0 {
		return schema.Todo{}, notFound("local.update", id)
	}

	now := s.now()
	updated := todos[i].ApplyPatch(patch, now)
	if err := checkReopenedTitle(todos[i], updated, todos); err != nil {
		return schema.Todo{}, err
	}
	todos[i] = s.touch(updated)
	if patch.Order != nil {
		s.settleOrders(todos, id, now)
	}
	if err := s.persist(ctx, "local.update", todos); err != nil {
		return schema.Todo{}, err
	}
	return todos[i], nil
}

// DeleteTodo removes the record with id.
func (s *Store) DeleteTodo(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	todos, err := s.load(ctx, "local.delete")
	if err != nil {
		return err
	}
	i := indexOf(todos, id)
	if i < 0 {
		return notFound("local.delete", id)
	}

	todos = append(todos[:i:i], todos[i+1:]...)
	if err := s.persist(ctx, "local.delete", todos); err != nil {
		return err
	}
	return nil
}

// ReorderTodos moves the given records and returns the full list in order.
//
// Every id must exist; an unknown id rejects the whole reorder. Records pushed
// out of their slot by a move are shifted down so positions stay unique. Only
// records whose position changed are marked unsynced.
func (s *Store) ReorderTodos(ctx context.Context, updates []schema.OrderUpdate) ([]schema.Todo, error) {
	for _, u := range updates {
		if u.Order < 0 {
			return nil, &schema.ValidationError{Field: "order", Message: fmt.Sprintf("order must be non-negative (got %d)", u.Order)}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	todos, err := s.load(ctx, "local.reorder")
	if err != nil {
		return nil, err
	}

	before := make(map[string]int, len(todos))
	for _, t := range todos {
		before[t.ID] = t.Order
	}

	moved := make(map[string]bool, len(updates))
	for _, u := range updates {
		i := indexOf(todos, u.ID)
		if i < 0 {
			return nil, notFound("local.reorder", u.ID)
		}
		todos[i].Order = u.Order
		moved[u.ID] = true
	}

	resolveOrderCollisions(todos, moved)

	now := s.now()
	for i := range todos {
		if todos[i].Order != before[todos[i].ID] {
			todos[i].UpdatedAt = schema.NextTimestamp(todos[i].UpdatedAt, now)
			todos[i] = s.touch(todos[i])
		}
	}

	if err := s.persist(ctx, "local.reorder", todos); err != nil {
		return nil, err
	}
	out := cloneAll(todos)
	schema.SortByOrder(out)
	return out, nil
}

// ===== Batches =====

// CreateTodos creates every valid dto in one write. Invalid items are
// reported in the result and do not block the others.
func (s *Store) CreateTodos(ctx context.Context, dtos []schema.CreateTodo) (storage.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	todos, err := s.load(ctx, "local.create_batch")
	if err != nil {
		return storage.BatchResult{}, err
	}

	var result storage.BatchResult
	for i, dto := range dtos {
		if err := schema.ValidateCreate(&dto); err != nil {
			result.Failed = append(result.Failed, storage.BatchError{ID: fmt.Sprintf("#%d", i), Err: err})
			continue
		}
		if err := checkDuplicateTitle(todos, dto.Title, ""); err != nil {
			result.Failed = append(result.Failed, storage.BatchError{ID: fmt.Sprintf("#%d", i), Err: err})
			continue
		}
		t := s.newTodo(dto, newOrder(todos))
		todos = append(todos, t)
		result.Succeeded = append(result.Succeeded, t)
	}

	if len(result.Succeeded) == 0 {
		return result, nil
	}
	if err := s.persist(ctx, "local.create_batch", todos); err != nil {
		return storage.BatchResult{}, err
	}
	return result, nil
}

// UpdateTodos applies every patch in one write.
func (s *Store) UpdateTodos(ctx context.Context, updates []schema.TodoUpdate) (storage.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	todos, err := s.load(ctx, "local.update_batch")
	if err != nil {
		return storage.BatchResult{}, err
	}

	var result storage.BatchResult
	now := s.now()
	for _, u := range updates {
		patch := u.Patch
		if err := schema.ValidatePatch(&patch); err != nil {
			result.Failed = append(result.Failed, storage.BatchError{ID: u.ID, Err: err})
			continue
		}
		i := indexOf(todos, u.ID)
		if i < 0 {
			result.Failed = append(result.Failed, storage.BatchError{ID: u.ID, Err: notFound("local.update_batch", u.ID)})
			continue
		}
		updated := todos[i].ApplyPatch(patch, now)
		if err := checkReopenedTitle(todos[i], updated, todos); err != nil {
			result.Failed = append(result.Failed, storage.BatchError{ID: u.ID, Err: err})
			continue
		}
		todos[i] = s.touch(updated)
		if patch.Order != nil {
			s.settleOrders(todos, u.ID, now)
		}
		result.Succeeded = append(result.Succeeded, todos[i])
	}

	if len(result.Succeeded) == 0 {
		return result, nil
	}
	if err := s.persist(ctx, "local.update_batch", todos); err != nil {
		return storage.BatchResult{}, err
	}
	return result, nil
}

// DeleteTodos removes every listed record in one write. Succeeded holds the
// removed records.
func (s *Store) DeleteTodos(ctx context.Context, ids []string) (storage.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	todos, err := s.load(ctx, "local.delete_batch")
	if err != nil {
		return storage.BatchResult{}, err
	}

	var result storage.BatchResult
	for _, id := range ids {
		i := indexOf(todos, id)
		if i < 0 {
			result.Failed = append(result.Failed, storage.BatchError{ID: id, Err: notFound("local.delete_batch", id)})
			continue
		}
		result.Succeeded = append(result.Succeeded, todos[i])
		todos = append(todos[:i:i], todos[i+1:]...)
	}

	if len(result.Succeeded) == 0 {
		return result, nil
	}
	if err := s.persist(ctx, "local.delete_batch", todos); err != nil {
		return storage.BatchResult{}, err
	}
	return result, nil
}

// ===== Import / Export =====

// ExportAll returns every record including sync metadata.
func (s *Store) ExportAll(ctx context.Context) ([]schema.Todo, error) {
	return s.GetTodos(ctx)
}

// ImportAll upserts records by id. Records that fail validation are
// reported and skipped. When replace is true the existing collection is
// discarded first.
func (s *Store) ImportAll(ctx context.Context, records []schema.Todo, replace bool) (storage.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var todos []schema.Todo
	if !replace {
		var err error
		if todos, err = s.load(ctx, "local.import"); err != nil {
			return storage.BatchResult{}, err
		}
	}

	var result storage.BatchResult
	for _, rec := range records {
		t := rec.Clone()
		t.Normalize()
		if err := t.Validate(); err != nil {
			result.Failed = append(result.Failed, storage.BatchError{ID: rec.ID, Err: err})
			continue
		}
		todos = upsert(todos, t)
		result.Succeeded = append(result.Succeeded, t)
	}

	if err := s.persist(ctx, "local.import", todos); err != nil {
		return storage.BatchResult{}, err
	}
	s.logger.Printf("Imported %d todos (%d rejected)", len(result.Succeeded), len(result.Failed))
	return result, nil
}

// ClearAll removes the todo collection. Pending operations and settings are
// kept.
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Delete(ctx, kv.KeyTodos); err != nil {
		return &storage.Error{Op: "local.clear", Err: fmt.Errorf("%w: %v", storage.ErrStorageWrite, err)}
	}
	s.snapshot = nil
	s.logger.Printf("Cleared local todo collection")
	return nil
}

// ===== Sync metadata =====

// Put stores t under its own id, replacing any existing record, and marks it
// synced. Used when a record's content comes from the remote replica.
func (s *Store) Put(ctx context.Context, t schema.Todo) (schema.Todo, error) {
	t = t.Clone()
	t.Normalize()
	if err := t.Validate(); err != nil {
		return schema.Todo{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	todos, err := s.load(ctx, "local.put")
	if err != nil {
		return schema.Todo{}, err
	}

	now := s.now()
	if i := indexOf(todos, t.ID); i >= 0 {
		t.UpdatedAt = schema.NextTimestamp(todos[i].UpdatedAt, now)
	} else if orderTaken(todos, t.Order) {
		t.Order = nextOrder(todos)
	}
	t.Synced = true
	t.LastSyncTime = &now
	t.SyncError = ""

	todos = upsert(todos, t)
	s.settleOrders(todos, t.ID, now)
	if err := s.persist(ctx, "local.put", todos); err != nil {
		return schema.Todo{}, err
	}
	return todos[indexOf(todos, t.ID)], nil
}

// MarkSynced flags the listed records as confirmed by the remote. Unknown
// ids are ignored: the record may have been deleted locally meanwhile.
func (s *Store) MarkSynced(ctx context.Context, ids ...string) error {
	return s.mutateMeta(ctx, "local.mark_synced", ids, func(t *schema.Todo, now time.Time) {
		t.Synced = true
		t.LastSyncTime = &now
		t.SyncError = ""
	})
}

// MarkSyncError records the last mirror failure for a record.
func (s *Store) MarkSyncError(ctx context.Context, id, msg string) error {
	return s.mutateMeta(ctx, "local.mark_error", []string{id}, func(t *schema.Todo, _ time.Time) {
		t.Synced = false
		t.SyncError = msg
	})
}

// Rekey renames a record after the remote assigned it a different id.
func (s *Store) Rekey(ctx context.Context, oldID, newID string) error {
	if oldID == newID {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	todos, err := s.load(ctx, "local.rekey")
	if err != nil {
		return err
	}
	i := indexOf(todos, oldID)
	if i < 0 {
		return notFound("local.rekey", oldID)
	}
	if j := indexOf(todos, newID); j >= 0 {
		return &storage.Error{Op: "local.rekey", Err: fmt.Errorf("%w: %s", storage.ErrDuplicate, newID)}
	}
	todos[i].ID = newID
	if err := s.persist(ctx, "local.rekey", todos); err != nil {
		return err
	}
	s.logger.Printf("Re-keyed todo %s -> %s", oldID, newID)
	return nil
}

// ===== Persisted settings =====

// LoadStorageConfig returns the persisted storage config, or the default
// when none has been saved.
func (s *Store) LoadStorageConfig(ctx context.Context) (schema.StorageConfig, error) {
	cfg := schema.DefaultStorageConfig()
	err := s.loadDoc(ctx, kv.KeyStorageConfig, &cfg)
	return cfg, err
}

// SaveStorageConfig persists cfg.
func (s *Store) SaveStorageConfig(ctx context.Context, cfg schema.StorageConfig) error {
	return s.saveDoc(ctx, kv.KeyStorageConfig, cfg)
}

// LoadRuntimeState returns the persisted offline state.
func (s *Store) LoadRuntimeState(ctx context.Context) (schema.RuntimeState, error) {
	state := schema.RuntimeState{AutoSyncEnabled: true}
	err := s.loadDoc(ctx, kv.KeyOfflineState, &state)
	return state, err
}

// SaveRuntimeState persists state.
func (s *Store) SaveRuntimeState(ctx context.Context, state schema.RuntimeState) error {
	return s.saveDoc(ctx, kv.KeyOfflineState, state)
}

// ===== internals =====

func (s *Store) newTodo(dto schema.CreateTodo, order int) schema.Todo {
	now := s.now()
	return schema.Todo{
		ID:            s.newID(),
		Title:         dto.Title,
		Description:   dto.Description,
		Priority:      dto.Priority,
		EstimatedTime: dto.EstimatedTime,
		DueDate:       dto.DueDate,
		Order:         order,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// touch clears sync metadata after a local mutation.
func (s *Store) touch(t schema.Todo) schema.Todo {
	t.Synced = false
	t.SyncError = ""
	return t
}

func (s *Store) mutateMeta(ctx context.Context, op string, ids []string, fn func(*schema.Todo, time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	todos, err := s.load(ctx, op)
	if err != nil {
		return err
	}
	now := s.now()
	changed := false
	for _, id := range ids {
		if i := indexOf(todos, id); i >= 0 {
			fn(&todos[i], now)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.persist(ctx, op, todos)
}

// load reads the collection. Caller holds s.mu.
func (s *Store) load(ctx context.Context, op string) ([]schema.Todo, error) {
	data, err := s.backend.Get(ctx, kv.KeyTodos)
	if errors.Is(err, kv.ErrKeyNotFound) {
		s.snapshot = nil
		return []schema.Todo{}, nil
	}
	if err != nil {
		return nil, &storage.Error{Op: op, Err: fmt.Errorf("failed to read todos: %w", err)}
	}

	todos, err := schema.DecodeTodos(data)
	if err != nil {
		s.logger.Printf("Warning: todo collection is corrupt: %v", err)
		return nil, &storage.Error{Op: op, Err: err}
	}
	s.snapshot = cloneAll(todos)
	return todos, nil
}

// persist writes the collection and, only on success, replaces the snapshot.
// Caller holds s.mu.
func (s *Store) persist(ctx context.Context, op string, todos []schema.Todo) error {
	data, err := json.Marshal(todos)
	if err != nil {
		return &storage.Error{Op: op, Err: fmt.Errorf("failed to encode todos: %w", err)}
	}
	if err := s.backend.Set(ctx, kv.KeyTodos, data); err != nil {
		s.logger.Printf("Warning: %s write failed: %v", op, err)
		return &storage.Error{Op: op, Err: fmt.Errorf("%w: %v", storage.ErrStorageWrite, err)}
	}
	s.snapshot = cloneAll(todos)
	return nil
}

func (s *Store) loadDoc(ctx context.Context, key string, v any) error {
	data, err := s.backend.Get(ctx, key)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", storage.ErrCorrupt, key, err)
	}
	return nil
}

func (s *Store) saveDoc(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.backend.Set(ctx, key, data); err != nil {
		return fmt.Errorf("%w: %s: %v", storage.ErrStorageWrite, key, err)
	}
	return nil
}

func notFound(op, id string) error {
	return &storage.Error{Op: op, Err: fmt.Errorf("%w: %s", storage.ErrNotFound, id)}
}

func indexOf(todos []schema.Todo, id string) int {
	for i := range todos {
		if todos[i].ID == id {
			return i
		}
	}
	return -1
}

func upsert(todos []schema.Todo, t schema.Todo) []schema.Todo {
	if i := indexOf(todos, t.ID); i >= 0 {
		todos[i] = t
		return todos
	}
	return append(todos, t)
}

// checkDuplicateTitle rejects a title already used by an open record other
// than except.
func checkDuplicateTitle(todos []schema.Todo, title, except string) error {
	key := schema.TitleKey(title)
	for _, t := range todos {
		if t.ID != except && !t.Completed && schema.TitleKey(t.Title) == key {
			return &schema.ValidationError{Field: "title", Message: fmt.Sprintf("an open todo titled %q already exists", t.Title)}
		}
	}
	return nil
}

// checkReopenedTitle applies checkDuplicateTitle to an update that leaves
// the record open under a new title, or reopens it.
func checkReopenedTitle(before, after schema.Todo, todos []schema.Todo) error {
	if after.Completed {
		return nil
	}
	if !before.Completed && schema.TitleKey(before.Title) == schema.TitleKey(after.Title) {
		return nil
	}
	return checkDuplicateTitle(todos, after.Title, after.ID)
}

// settleOrders resolves collisions after id took a new position. Records
// shifted out of the way are marked unsynced.
func (s *Store) settleOrders(todos []schema.Todo, id string, now time.Time) {
	before := make(map[string]int, len(todos))
	for _, t := range todos {
		before[t.ID] = t.Order
	}
	resolveOrderCollisions(todos, map[string]bool{id: true})
	for i := range todos {
		if todos[i].ID != id && todos[i].Order != before[todos[i].ID] {
			todos[i].UpdatedAt = schema.NextTimestamp(todos[i].UpdatedAt, now)
			todos[i] = s.touch(todos[i])
		}
	}
}

// newOrder places a new record at position len(todos), or after the last
// position when that slot is already taken.
func newOrder(todos []schema.Todo) int {
	if !orderTaken(todos, len(todos)) {
		return len(todos)
	}
	return nextOrder(todos)
}

func nextOrder(todos []schema.Todo) int {
	next := 0
	for _, t := range todos {
		if t.Order >= next {
			next = t.Order + 1
		}
	}
	return next
}

func orderTaken(todos []schema.Todo, order int) bool {
	for _, t := range todos {
		if t.Order == order {
			return true
		}
	}
	return false
}

// resolveOrderCollisions makes positions unique. Moved records keep the
// slot they asked for; anything already sitting there shifts down.
func resolveOrderCollisions(todos []schema.Todo, moved map[string]bool) {
	idx := make([]int, len(todos))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ta, tb := todos[idx[a]], todos[idx[b]]
		if ta.Order != tb.Order {
			return ta.Order < tb.Order
		}
		return moved[ta.ID] && !moved[tb.ID]
	})

	prev := -1
	for _, i := range idx {
		if todos[i].Order <= prev {
			todos[i].Order = prev + 1
		}
		prev = todos[i].Order
	}
}

func cloneAll(todos []schema.Todo) []schema.Todo {
	if todos == nil {
		return nil
	}
	out := make([]schema.Todo, len(todos))
	for i, t := range todos {
		out[i] = t.Clone()
	}
	return out
}
