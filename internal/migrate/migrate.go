// Package migrate moves todo collections between the local and remote
// replicas and keeps the set of conflicts the moves uncover.
//
// Records are matched across replicas by title (trimmed, case-insensitive)
// because each replica assigns ids on its own. Two distinct todos sharing a
// title are indistinguishable to this match; the first target record with the
// title wins. For every source record:
//
//   - no target record with that title: the record is created on the target,
//     keeping its id where the target allows it
//   - a target record agrees on completed, priority, estimatedTime and
//     description: only order, due date and title casing are aligned, and
//     nothing is written when those already match
//   - the records disagree: a Conflict is recorded and neither side is
//     written
//
// A failed record is counted and reported; it never stops the rest of the
// batch. Nothing is ever deleted as a side effect of a migration: clearing
// the local replica is the separate ClearLocalData call.
package migrate

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mschirtzinger/todosync/internal/events"
	"github.com/mschirtzinger/todosync/internal/local"
	"github.com/mschirtzinger/todosync/internal/remote"
	"github.com/mschirtzinger/todosync/internal/schema"
	"github.com/mschirtzinger/todosync/internal/storage"
)

// Remote is the part of the remote client migrations use.
// *remote.Client satisfies it.
type Remote interface {
	GetTodos(ctx context.Context) ([]schema.Todo, error)
	UpdateTodo(ctx context.Context, id string, patch schema.TodoPatch) (schema.Todo, error)
	CreateRecords(ctx context.Context, todos []schema.Todo, onItem remote.ItemFunc) storage.BatchResult
	UpdateTodos(ctx context.Context, updates []schema.TodoUpdate, onItem remote.ItemFunc) storage.BatchResult
}

// BackupSink stores a copy of a collection before a migration writes to it.
type BackupSink interface {
	Write(ctx context.Context, name string, todos []schema.Todo) (location string, err error)
}

// Options controls a migration.
type Options struct {
	DryRun bool // Classify records without writing anything
	Backup bool // Copy the target collection to the backup sink first

	// BatchSize caps the records sent to the remote per batch call.
	// Zero sends everything in one call.
	BatchSize int

	// OnProgress is called after every processed record.
	OnProgress func(Progress)
}

// Progress reports how far a migration has come.
type Progress struct {
	Total            int     `json:"total"`
	Completed        int     `json:"completed"`
	Failed           int     `json:"failed"`
	Percentage       float64 `json:"percentage"`
	CurrentOperation string  `json:"currentOperation"`
}

// Result contains statistics about a migration or a resolution pass.
type Result struct {
	Success        bool              `json:"success"`
	MigratedCount  int               `json:"migratedCount"`
	UpdatedCount   int               `json:"updatedCount"`
	ConflictCount  int               `json:"conflictCount"`
	ErrorCount     int               `json:"errorCount"`
	Conflicts      []schema.Conflict `json:"conflicts,omitempty"`
	Errors         []string          `json:"errors,omitempty"`
	BackupLocation string            `json:"backupLocation,omitempty"`
	Duration       time.Duration     `json:"duration"`
}

func (r *Result) fail(format string, args ...any) {
	r.ErrorCount++
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Result) finish(start time.Time) {
	r.ConflictCount = len(r.Conflicts)
	r.Success = r.ErrorCount == 0
	r.Duration = time.Since(start)
}

// Engine runs migrations between the two replicas. Only one migration or
// resolution pass runs at a time.
type Engine struct {
	local  *local.Store
	remote Remote
	sink   BackupSink
	logger *log.Logger
	now    func() time.Time

	runMu sync.Mutex

	mu        sync.Mutex
	conflicts []schema.Conflict

	progress     events.Feed[Progress]
	conflictFeed events.Feed[[]schema.Conflict]
}

// Option configures an Engine.
type Option func(*Engine)

// WithBackupSink sets where Options.Backup copies go.
func WithBackupSink(sink BackupSink) Option {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an Engine.
//
// If logger is nil, a default logger writing to stderr is used.
func New(store *local.Store, rc Remote, logger *log.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[migrate] ", log.LstdFlags)
	}
	e := &Engine{
		local:  store,
		remote: rc,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ===== Migrations =====

// MigrateLocalToRemote copies the local collection to the remote replica.
func (e *Engine) MigrateLocalToRemote(ctx context.Context, opts Options) (Result, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.migrate(ctx, toRemote, opts)
}

// MigrateRemoteToLocal copies the remote collection to the local replica.
func (e *Engine) MigrateRemoteToLocal(ctx context.Context, opts Options) (Result, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.migrate(ctx, toLocal, opts)
}

// Sync reconciles in both directions, local to remote first, and returns the
// combined result. Conflicts found by both passes are reported once.
func (e *Engine) Sync(ctx context.Context, opts Options) (Result, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	start := time.Now()
	up, err := e.migrate(ctx, toRemote, opts)
	if err != nil {
		return up, err
	}
	down, err := e.migrate(ctx, toLocal, opts)
	if err != nil {
		return down, err
	}

	merged := Result{
		MigratedCount: up.MigratedCount + down.MigratedCount,
		UpdatedCount:  up.UpdatedCount + down.UpdatedCount,
		ErrorCount:    up.ErrorCount + down.ErrorCount,
		Errors:        append(up.Errors, down.Errors...),
		Conflicts:     dedupe(append(up.Conflicts, down.Conflicts...)),
	}
	switch {
	case up.BackupLocation != "" && down.BackupLocation != "":
		merged.BackupLocation = up.BackupLocation + ", " + down.BackupLocation
	case up.BackupLocation != "":
		merged.BackupLocation = up.BackupLocation
	default:
		merged.BackupLocation = down.BackupLocation
	}
	merged.finish(start)
	return merged, nil
}

type direction int

const (
	toRemote direction = iota
	toLocal
)

func (d direction) String() string {
	if d == toRemote {
		return "local -> remote"
	}
	return "remote -> local"
}

// pair is one planned write: src is the source record, dst the matched
// target record (zero for creates).
type pair struct {
	src   schema.Todo
	dst   schema.Todo
	patch schema.TodoPatch
}

type plan struct {
	creates   []pair
	updates   []pair
	conflicts []schema.Conflict
}

func (e *Engine) migrate(ctx context.Context, dir direction, opts Options) (Result, error) {
	start := time.Now()
	var result Result

	localTodos, err := e.local.GetTodos(ctx)
	if err != nil {
		result.fail("failed to read local todos: %v", err)
		result.finish(start)
		return result, fmt.Errorf("failed to read local todos: %w", err)
	}
	remoteTodos, err := e.remote.GetTodos(ctx)
	if err != nil {
		result.fail("failed to read remote todos: %v", err)
		result.finish(start)
		return result, fmt.Errorf("failed to read remote todos: %w", err)
	}

	source, target := localTodos, remoteTodos
	if dir == toLocal {
		source, target = remoteTodos, localTodos
	}

	prog := e.tracker(len(source), opts)
	p := e.reconcile(dir, source, target, prog)
	result.Conflicts = p.conflicts
	e.addConflicts(p.conflicts)

	e.logger.Printf("Migration %s: %d to create, %d to update, %d conflicts (dry run: %v)",
		dir, len(p.creates), len(p.updates), len(p.conflicts), opts.DryRun)

	if opts.DryRun {
		for _, c := range p.creates {
			result.MigratedCount++
			prog.step("would create "+c.src.Title, false)
		}
		for _, u := range p.updates {
			result.UpdatedCount++
			prog.step("would update "+u.src.Title, false)
		}
		result.finish(start)
		return result, nil
	}

	if opts.Backup && (len(p.creates) > 0 || len(p.updates) > 0) {
		if e.sink == nil {
			return result, fmt.Errorf("failed to create backup: no backup sink configured")
		}
		name := "remote"
		if dir == toLocal {
			name = "local"
		}
		loc, err := e.sink.Write(ctx, name, target)
		if err != nil {
			return result, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupLocation = loc
		e.logger.Printf("Backed up %d %s todos to %s", len(target), name, loc)
	}

	if dir == toRemote {
		e.applyRemote(ctx, p, opts, prog, &result)
	} else {
		e.applyLocal(ctx, p, prog, &result)
	}

	result.finish(start)
	e.logger.Printf("Migration %s finished: %d created, %d updated, %d conflicts, %d errors in %v",
		dir, result.MigratedCount, result.UpdatedCount, len(result.Conflicts), result.ErrorCount, result.Duration)
	return result, nil
}

// reconcile classifies every source record. Records that need no write are
// reported to the progress tracker straight away.
func (e *Engine) reconcile(dir direction, source, target []schema.Todo, prog *tracker) plan {
	byTitle := make(map[string]schema.Todo, len(target))
	for _, t := range target {
		key := schema.TitleKey(t.Title)
		if _, seen := byTitle[key]; !seen {
			byTitle[key] = t
		}
	}

	var p plan
	now := e.now()
	for _, src := range source {
		dst, ok := byTitle[schema.TitleKey(src.Title)]
		switch {
		case !ok:
			p.creates = append(p.creates, pair{src: src})
		case schema.SameContent(src, dst):
			if patch, changed := alignPatch(src, dst); changed {
				p.updates = append(p.updates, pair{src: src, dst: dst, patch: patch})
			} else {
				prog.step("unchanged "+src.Title, false)
			}
		default:
			c := schema.NewConflict(src, dst, now)
			if dir == toLocal {
				c = schema.NewConflict(dst, src, now)
			}
			p.conflicts = append(p.conflicts, c)
			prog.step("conflict on "+src.Title, false)
		}
	}
	return p
}

// alignPatch returns the patch that makes dst match src on the fields that
// do not make a conflict.
func alignPatch(src, dst schema.Todo) (schema.TodoPatch, bool) {
	var p schema.TodoPatch
	changed := false
	if src.Title != dst.Title {
		p.Title = schema.StringPtr(src.Title)
		changed = true
	}
	if src.Order != dst.Order {
		p.Order = schema.IntPtr(src.Order)
		changed = true
	}
	switch {
	case src.DueDate == nil && dst.DueDate != nil:
		p.ClearDueDate = true
		changed = true
	case src.DueDate != nil && (dst.DueDate == nil || !src.DueDate.Equal(*dst.DueDate)):
		p.DueDate = schema.TimePtr(*src.DueDate)
		changed = true
	}
	return p, changed
}

func (e *Engine) applyRemote(ctx context.Context, p plan, opts Options, prog *tracker, result *Result) {
	bySource := make(map[string]schema.Todo, len(p.creates))
	for _, c := range p.creates {
		bySource[c.src.ID] = c.src
	}

	var synced []string
	for _, chunk := range chunks(len(p.creates), opts.BatchSize) {
		batch := make([]schema.Todo, 0, chunk[1]-chunk[0])
		for _, c := range p.creates[chunk[0]:chunk[1]] {
			batch = append(batch, c.src)
		}

		type rename struct{ from, to string }
		var renames []rename
		e.remote.CreateRecords(ctx, batch, func(id string, created schema.Todo, err error) {
			src := bySource[id]
			if err != nil {
				result.fail("failed to create %q on remote: %v", src.Title, err)
				prog.step("create "+src.Title, true)
				return
			}
			result.MigratedCount++
			prog.step("create "+src.Title, false)
			if created.ID != "" && created.ID != id {
				renames = append(renames, rename{from: id, to: created.ID})
				synced = append(synced, created.ID)
			} else {
				synced = append(synced, id)
			}
		})
		for _, r := range renames {
			if err := e.local.Rekey(ctx, r.from, r.to); err != nil {
				e.logger.Printf("Warning: failed to re-key local %s -> %s: %v", r.from, r.to, err)
			}
		}
	}

	remoteToLocal := make(map[string]string, len(p.updates))
	updates := make([]schema.TodoUpdate, len(p.updates))
	for i, u := range p.updates {
		updates[i] = schema.TodoUpdate{ID: u.dst.ID, Patch: u.patch}
		remoteToLocal[u.dst.ID] = u.src.ID
	}
	for _, chunk := range chunks(len(updates), opts.BatchSize) {
		e.remote.UpdateTodos(ctx, updates[chunk[0]:chunk[1]], func(id string, _ schema.Todo, err error) {
			if err != nil {
				result.fail("failed to update remote %s: %v", id, err)
				prog.step("update "+id, true)
				return
			}
			result.UpdatedCount++
			prog.step("update "+id, false)
			synced = append(synced, remoteToLocal[id])
		})
	}

	if err := e.local.MarkSynced(ctx, synced...); err != nil {
		e.logger.Printf("Warning: failed to mark migrated todos synced: %v", err)
	}
}

func (e *Engine) applyLocal(ctx context.Context, p plan, prog *tracker, result *Result) {
	for _, c := range p.creates {
		if _, err := e.local.GetTodo(ctx, c.src.ID); err == nil {
			result.fail("failed to create %q locally: id %s is already used by another todo", c.src.Title, c.src.ID)
			prog.step("create "+c.src.Title, true)
			continue
		}
		if _, err := e.local.Put(ctx, c.src); err != nil {
			result.fail("failed to create %q locally: %v", c.src.Title, err)
			prog.step("create "+c.src.Title, true)
			continue
		}
		result.MigratedCount++
		prog.step("create "+c.src.Title, false)
	}

	for _, u := range p.updates {
		if _, err := e.local.UpdateTodo(ctx, u.dst.ID, u.patch); err != nil {
			result.fail("failed to update local %s: %v", u.dst.ID, err)
			prog.step("update "+u.dst.Title, true)
			continue
		}
		if err := e.local.MarkSynced(ctx, u.dst.ID); err != nil {
			e.logger.Printf("Warning: failed to mark %s synced: %v", u.dst.ID, err)
		}
		result.UpdatedCount++
		prog.step("update "+u.dst.Title, false)
	}
}

// chunks splits n items into [start, end) ranges of at most size items.
func chunks(n, size int) [][2]int {
	if n == 0 {
		return nil
	}
	if size <= 0 || size > n {
		size = n
	}
	var out [][2]int
	for start := 0; start < n; start += size {
		out = append(out, [2]int{start, min(start+size, n)})
	}
	return out
}

// ===== Conflicts =====

// Conflicts returns the active conflict set.
func (e *Engine) Conflicts() []schema.Conflict {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]schema.Conflict(nil), e.conflicts...)
}

// SubscribeConflicts registers fn for changes to the active conflict set.
func (e *Engine) SubscribeConflicts(fn func([]schema.Conflict)) func() {
	return e.conflictFeed.Subscribe(fn)
}

// SubscribeProgress registers fn for progress of every migration and
// resolution pass.
func (e *Engine) SubscribeProgress(fn func(Progress)) func() {
	return e.progress.Subscribe(fn)
}

// ResolveConflicts applies each resolution to the conflict it names, by
// either side's id. Resolutions are independent: one failing does not stop
// the others, and each success removes exactly one conflict.
func (e *Engine) ResolveConflicts(ctx context.Context, resolutions []schema.ConflictResolution) (Result, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	start := time.Now()
	var result Result
	prog := e.tracker(len(resolutions), Options{})

	for _, res := range resolutions {
		if err := e.resolve(ctx, res); err != nil {
			result.fail("failed to resolve %s: %v", res.TodoID, err)
			prog.step("resolve "+res.TodoID, true)
			continue
		}
		result.UpdatedCount++
		prog.step("resolve "+res.TodoID, false)
	}

	result.Conflicts = e.Conflicts()
	result.finish(start)
	e.logger.Printf("Resolved %d of %d conflicts, %d still open",
		result.UpdatedCount, len(resolutions), result.ConflictCount)
	return result, nil
}

func (e *Engine) resolve(ctx context.Context, res schema.ConflictResolution) error {
	if err := res.Validate(); err != nil {
		return err
	}
	c, ok := e.findConflict(res.TodoID)
	if !ok {
		return &storage.Error{Op: "migrate.resolve", Err: fmt.Errorf("%w: no open conflict for %s", storage.ErrNotFound, res.TodoID)}
	}

	switch res.Resolution {
	case schema.ResolveLocal:
		if _, err := e.remote.UpdateTodo(ctx, c.Remote.ID, schema.ContentPatch(c.Local)); err != nil {
			return fmt.Errorf("failed to push local version: %w", err)
		}
		if err := e.local.MarkSynced(ctx, c.Local.ID); err != nil {
			e.logger.Printf("Warning: failed to mark %s synced: %v", c.Local.ID, err)
		}

	case schema.ResolveRemote:
		if _, err := e.local.UpdateTodo(ctx, c.Local.ID, schema.ContentPatch(c.Remote)); err != nil {
			return fmt.Errorf("failed to apply remote version: %w", err)
		}
		if err := e.local.MarkSynced(ctx, c.Local.ID); err != nil {
			e.logger.Printf("Warning: failed to mark %s synced: %v", c.Local.ID, err)
		}

	case schema.ResolveMerge:
		merged := *res.MergedData
		if _, err := e.remote.UpdateTodo(ctx, c.Remote.ID, merged); err != nil {
			return fmt.Errorf("failed to push merged version: %w", err)
		}
		if _, err := e.local.UpdateTodo(ctx, c.Local.ID, merged); err != nil {
			return fmt.Errorf("failed to apply merged version locally: %w", err)
		}
		if err := e.local.MarkSynced(ctx, c.Local.ID); err != nil {
			e.logger.Printf("Warning: failed to mark %s synced: %v", c.Local.ID, err)
		}
	}

	e.removeConflict(c.Key())
	return nil
}

func (e *Engine) findConflict(id string) (schema.Conflict, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.conflicts {
		if c.Involves(id) {
			return c, true
		}
	}
	return schema.Conflict{}, false
}

// addConflicts merges found into the active set. A pair already present is
// refreshed with the newer snapshot.
func (e *Engine) addConflicts(found []schema.Conflict) {
	if len(found) == 0 {
		return
	}
	e.mu.Lock()
	e.conflicts = dedupe(append(e.conflicts, found...))
	snapshot := append([]schema.Conflict(nil), e.conflicts...)
	e.mu.Unlock()
	e.conflictFeed.Publish(snapshot)
}

func (e *Engine) removeConflict(key string) {
	e.mu.Lock()
	for i, c := range e.conflicts {
		if c.Key() == key {
			e.conflicts = append(e.conflicts[:i:i], e.conflicts[i+1:]...)
			break
		}
	}
	snapshot := append([]schema.Conflict(nil), e.conflicts...)
	e.mu.Unlock()
	e.conflictFeed.Publish(snapshot)
}

// dedupe keeps one conflict per (local id, remote id) pair, in first-seen
// position with the last-seen content.
func dedupe(conflicts []schema.Conflict) []schema.Conflict {
	index := make(map[string]int, len(conflicts))
	out := make([]schema.Conflict, 0, len(conflicts))
	for _, c := range conflicts {
		if i, ok := index[c.Key()]; ok {
			out[i] = c
			continue
		}
		index[c.Key()] = len(out)
		out = append(out, c)
	}
	return out
}

// ClearLocalData removes every local record and drops the conflict set.
// Migrations never call it.
func (e *Engine) ClearLocalData(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if err := e.local.ClearAll(ctx); err != nil {
		return fmt.Errorf("failed to clear local data: %w", err)
	}
	e.mu.Lock()
	e.conflicts = nil
	e.mu.Unlock()
	e.conflictFeed.Publish(nil)
	e.logger.Printf("Cleared local data")
	return nil
}

// ===== Progress =====

type tracker struct {
	p    Progress
	fn   func(Progress)
	feed *events.Feed[Progress]
}

func (e *Engine) tracker(total int, opts Options) *tracker {
	return &tracker{p: Progress{Total: total}, fn: opts.OnProgress, feed: &e.progress}
}

func (t *tracker) step(op string, failed bool) {
	t.p.Completed++
	if failed {
		t.p.Failed++
	}
	t.p.CurrentOperation = op
	if t.p.Total > 0 {
		t.p.Percentage = float64(t.p.Completed) * 100 / float64(t.p.Total)
	}
	if t.fn != nil {
		t.fn(t.p)
	}
	t.feed.Publish(t.p)
}
