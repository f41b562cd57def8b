// Package hybrid implements the hybrid storage variant: every write lands in
// the local replica first and is mirrored to the remote replica in the
// background.
//
// The Orchestrator owns three things:
//
//   - a single worker goroutine that performs every remote mirror call in
//     submission order
//   - the durable pending-operation Queue for writes that could not be
//     confirmed (offline, remote unreachable, local mode, transient failure)
//   - the drain, which replays the queue against the remote when the
//     connection returns, on a timer, or on demand
//
// Callers never wait on the network: CreateTodo, UpdateTodo, DeleteTodo and
// ReorderTodos return as soon as the local replica has the change.
//
// Usage:
//
//	orch := hybrid.New(store, client, monitor, hybrid.DefaultConfig(), logger)
//	if err := orch.Start(ctx); err != nil {
//	    return err
//	}
//	defer orch.Stop()
//
//	todo, err := orch.CreateTodo(ctx, schema.CreateTodo{Title: "Buy milk"})
package hybrid

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mschirtzinger/todosync/internal/events"
	"github.com/mschirtzinger/todosync/internal/local"
	"github.com/mschirtzinger/todosync/internal/schema"
	"github.com/mschirtzinger/todosync/internal/storage"
)

// Remote is the part of the remote client the orchestrator drives.
// *remote.Client satisfies it.
type Remote interface {
	CreateRecord(ctx context.Context, t schema.Todo) (schema.Todo, error)
	UpdateTodo(ctx context.Context, id string, patch schema.TodoPatch) (schema.Todo, error)
	DeleteTodo(ctx context.Context, id string) error
	ReorderTodos(ctx context.Context, updates []schema.OrderUpdate) ([]schema.Todo, error)
	GetTodos(ctx context.Context) ([]schema.Todo, error)
	Exists(ctx context.Context, id string) (bool, error)
	ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error)

	Reachable() bool
	Probe(ctx context.Context) error
	SubscribeReachability(fn func(reachable bool)) func()
}

// Monitor is the part of the connectivity monitor the orchestrator consults.
// *netmon.Monitor satisfies it.
type Monitor interface {
	IsOnline() bool
	Subscribe(fn func(online bool)) func()
}

// Config holds orchestrator settings.
type Config struct {
	// Mode is the starting mode, local or hybrid.
	Mode schema.Mode

	// AutoSync enables the periodic drain.
	AutoSync bool

	// SyncInterval is the period of the automatic drain.
	SyncInterval time.Duration

	// OfflineGrace is how long the monitor must report offline before the
	// orchestrator enters offline mode on its own.
	OfflineGrace time.Duration

	// MaxRetries is the number of drain attempts a queued operation gets.
	MaxRetries int
}

// DefaultConfig returns the default orchestrator settings.
func DefaultConfig() Config {
	return Config{
		Mode:         schema.ModeHybrid,
		AutoSync:     true,
		SyncInterval: schema.DefaultSyncInterval,
		OfflineGrace: 2 * time.Minute,
		MaxRetries:   schema.DefaultMaxRetries,
	}
}

// RecordState is where a single record stands relative to the remote.
type RecordState string

const (
	// LocalOnly records exist only locally and nothing is queued for them,
	// either because they were never mirrored or because mirroring failed
	// for good.
	LocalOnly RecordState = "local_only"

	// PendingSync records have a queued or in-flight remote operation.
	PendingSync RecordState = "pending_sync"

	// Synced records match the last confirmed remote write.
	Synced RecordState = "synced"
)

// Status is the observable sync state.
type Status struct {
	Mode              schema.Mode `json:"mode"`
	OfflineMode       bool        `json:"offlineMode"`
	Online            bool        `json:"online"`
	RemoteReachable   bool        `json:"remoteReachable"`
	Syncing           bool        `json:"syncing"`
	PendingOperations int         `json:"pendingOperations"`
	LastSyncAttempt   *time.Time  `json:"lastSyncAttempt,omitempty"`
	LastError         string      `json:"lastError,omitempty"`
}

// DrainFailure reports an operation that was dropped without reaching the
// remote: retries exhausted or a permanent error.
type DrainFailure struct {
	Operation schema.PendingOperation
	Err       error
}

// Orchestrator is the hybrid storage service.
type Orchestrator struct {
	local   *local.Store
	remote  Remote
	monitor Monitor
	queue   *Queue
	cfg     Config
	logger  *log.Logger
	now     func() time.Time

	// runMu serialises every remote call made on behalf of queued or
	// mirrored writes.
	runMu sync.Mutex

	mu          sync.Mutex
	mode        schema.Mode
	offline     bool
	autoOffline bool
	syncing     bool
	lastSync    *time.Time
	lastErr     string
	inflight    map[string]int
	aliases     map[string]string
	jobs        []job
	graceTimer  *time.Timer
	started     bool
	cancel      context.CancelFunc
	unsubscribe []func()

	wake chan struct{}
	wg   sync.WaitGroup

	status   events.Feed[Status]
	failures events.Feed[DrainFailure]
}

var _ storage.TodoStorageService = (*Orchestrator)(nil)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New creates an Orchestrator. The pending-operation queue lives in the same
// backend as the local store. monitor may be nil, in which case the network
// is assumed up and only remote reachability is consulted.
//
// If logger is nil, a default logger writing to stderr is used.
func New(store *local.Store, rc Remote, monitor Monitor, cfg Config, logger *log.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = log.New(os.Stderr, "[hybrid] ", log.LstdFlags)
	}
	defaults := DefaultConfig()
	if cfg.Mode != schema.ModeLocal {
		cfg.Mode = schema.ModeHybrid
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaults.SyncInterval
	}
	if cfg.OfflineGrace <= 0 {
		cfg.OfflineGrace = defaults.OfflineGrace
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}

	o := &Orchestrator{
		local:    store,
		remote:   rc,
		monitor:  monitor,
		queue:    NewQueue(store.Backend()),
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		mode:     cfg.Mode,
		inflight: make(map[string]int),
		aliases:  make(map[string]string),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.queue.now = o.now
	return o
}

// Local returns the local replica.
func (o *Orchestrator) Local() *local.Store { return o.local }

// Queue returns the pending-operation queue.
func (o *Orchestrator) Queue() *Queue { return o.queue }

// ===== Lifecycle =====

// Start loads the persisted queue and offline state, subscribes to the
// monitor and the remote's reachability feed, and launches the worker and
// the sync timer. Pending operations left from a previous run are drained
// right away.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	dropped, err := o.queue.Load(ctx)
	if err != nil {
		return err
	}
	for _, f := range dropped {
		o.logger.Printf("Warning: discarded stored %s for %s: %v", f.Operation.Type, f.Operation.TodoID, f.Err)
		o.failures.Publish(f)
	}

	state, err := o.local.LoadRuntimeState(ctx)
	if err != nil {
		o.logger.Printf("Warning: failed to load runtime state: %v", err)
	}

	wctx, cancel := context.WithCancel(context.Background())

	o.mu.Lock()
	o.started = true
	o.cancel = cancel
	o.offline = state.IsOfflineMode
	o.lastSync = state.LastSyncAttempt
	o.unsubscribe = append(o.unsubscribe,
		o.remote.SubscribeReachability(o.onReachability),
		o.queue.Subscribe(func(int) { o.publishStatus() }),
	)
	if o.monitor != nil {
		o.unsubscribe = append(o.unsubscribe, o.monitor.Subscribe(o.onConnectivity))
	}
	o.mu.Unlock()

	o.wg.Add(2)
	go o.work(wctx)
	go o.tick(wctx)

	o.logger.Printf("Started in %s mode with %d pending operations", o.Mode(), o.queue.Len())
	if o.queue.Len() > 0 {
		o.requestDrain()
	}
	return nil
}

// Stop cancels the background loops, removes every subscription, and waits
// for the worker. Mirror calls that were still waiting for the worker are
// moved to the durable queue, so nothing submitted before Stop is lost.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	cancel := o.cancel
	unsubs := o.unsubscribe
	o.unsubscribe = nil
	if o.graceTimer != nil {
		o.graceTimer.Stop()
		o.graceTimer = nil
	}
	o.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	cancel()
	o.wg.Wait()

	ctx := context.Background()
	o.spill(ctx)
	o.saveRuntimeState(ctx)
	o.logger.Printf("Stopped with %d pending operations", o.queue.Len())
}

// Flush blocks until every write submitted before the call has either
// reached the remote or been queued.
func (o *Orchestrator) Flush(ctx context.Context) error {
	o.mu.Lock()
	started := o.started
	o.mu.Unlock()
	if !started {
		return nil
	}

	done := make(chan struct{})
	o.dispatch(job{kind: jobBarrier, done: done})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) tick(ctx context.Context) {
	defer o.wg.Done()
	if !o.cfg.AutoSync {
		return
	}

	ticker := time.NewTicker(o.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if o.queue.Len() > 0 {
				o.requestDrain()
			}
		}
	}
}

// ===== Modes =====

// Mode returns the current mode.
func (o *Orchestrator) Mode() schema.Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

// SwitchMode changes between local and hybrid mode and persists the choice.
// Pending operations survive a switch to local; entering hybrid drains them.
func (o *Orchestrator) SwitchMode(ctx context.Context, mode schema.Mode) error {
	if mode != schema.ModeLocal && mode != schema.ModeHybrid {
		return &schema.ValidationError{Field: "mode", Message: "orchestrator supports local and hybrid modes only"}
	}

	o.mu.Lock()
	prev := o.mode
	o.mode = mode
	o.mu.Unlock()

	cfg, err := o.local.LoadStorageConfig(ctx)
	if err != nil {
		o.logger.Printf("Warning: failed to load storage config: %v", err)
		cfg = schema.DefaultStorageConfig()
	}
	cfg.Mode = mode
	if err := o.local.SaveStorageConfig(ctx, cfg); err != nil {
		o.mu.Lock()
		o.mode = prev
		o.mu.Unlock()
		return err
	}

	if prev != mode {
		o.logger.Printf("Switched mode %s -> %s", prev, mode)
	}
	if mode == schema.ModeHybrid {
		o.requestDrain()
	}
	o.publishStatus()
	return nil
}

// EnterOfflineMode suspends remote attempts. Writes keep queuing.
func (o *Orchestrator) EnterOfflineMode(ctx context.Context) error {
	return o.setOffline(ctx, true, false)
}

// ExitOfflineMode resumes remote attempts and drains the queue.
func (o *Orchestrator) ExitOfflineMode(ctx context.Context) error {
	return o.setOffline(ctx, false, false)
}

// IsOfflineMode reports whether offline mode is on.
func (o *Orchestrator) IsOfflineMode() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.offline
}

func (o *Orchestrator) setOffline(ctx context.Context, offline, auto bool) error {
	o.mu.Lock()
	if o.offline == offline {
		if !offline {
			o.autoOffline = false
		}
		o.mu.Unlock()
		return nil
	}
	o.offline = offline
	o.autoOffline = offline && auto
	o.mu.Unlock()

	if offline {
		o.logger.Printf("Entered offline mode (automatic=%v)", auto)
	} else {
		o.logger.Printf("Left offline mode")
		o.requestDrain()
	}
	o.publishStatus()
	return o.saveRuntimeState(ctx)
}

func (o *Orchestrator) onConnectivity(online bool) {
	o.mu.Lock()
	if o.graceTimer != nil {
		o.graceTimer.Stop()
		o.graceTimer = nil
	}
	auto := o.autoOffline
	if !online && !o.offline {
		o.graceTimer = time.AfterFunc(o.cfg.OfflineGrace, o.graceExpired)
	}
	o.mu.Unlock()

	if online {
		if auto {
			if err := o.setOffline(context.Background(), false, true); err != nil {
				o.logger.Printf("Warning: failed to persist offline state: %v", err)
			}
		} else {
			o.requestDrain()
		}
	}
	o.publishStatus()
}

func (o *Orchestrator) graceExpired() {
	if o.monitor != nil && o.monitor.IsOnline() {
		return
	}
	o.logger.Printf("Offline for %v, switching to offline mode", o.cfg.OfflineGrace)
	if err := o.setOffline(context.Background(), true, true); err != nil {
		o.logger.Printf("Warning: failed to persist offline state: %v", err)
	}
}

func (o *Orchestrator) onReachability(reachable bool) {
	if reachable {
		o.requestDrain()
	}
	o.publishStatus()
}

// blockedReason explains why remote calls cannot be attempted right now, or
// returns "" when they can.
func (o *Orchestrator) blockedReason() string {
	o.mu.Lock()
	mode, offline := o.mode, o.offline
	o.mu.Unlock()

	switch {
	case mode != schema.ModeHybrid:
		return "local mode"
	case offline:
		return "offline mode"
	case o.monitor != nil && !o.monitor.IsOnline():
		return "offline"
	case !o.remote.Reachable():
		return "remote unreachable"
	}
	return ""
}

// ===== Observables =====

// Status returns the current sync state.
func (o *Orchestrator) Status() Status {
	online := o.monitor == nil || o.monitor.IsOnline()
	reachable := o.remote.Reachable()
	pending := o.queue.Len()

	o.mu.Lock()
	defer o.mu.Unlock()
	s := Status{
		Mode:              o.mode,
		OfflineMode:       o.offline,
		Online:            online,
		RemoteReachable:   reachable,
		Syncing:           o.syncing,
		PendingOperations: pending,
		LastError:         o.lastErr,
	}
	if o.lastSync != nil {
		t := *o.lastSync
		s.LastSyncAttempt = &t
	}
	return s
}

// SubscribeStatus registers fn for status changes.
func (o *Orchestrator) SubscribeStatus(fn func(Status)) func() {
	return o.status.Subscribe(fn)
}

// SubscribeFailures registers fn for dropped operations.
func (o *Orchestrator) SubscribeFailures(fn func(DrainFailure)) func() {
	return o.failures.Subscribe(fn)
}

// SubscribePendingCount registers fn for queue length changes.
func (o *Orchestrator) SubscribePendingCount(fn func(int)) func() {
	return o.queue.Subscribe(fn)
}

// PendingOperations returns a copy of the queue.
func (o *Orchestrator) PendingOperations() []schema.PendingOperation {
	return o.queue.Snapshot()
}

// RuntimeState returns the state persisted under the offline-state key.
func (o *Orchestrator) RuntimeState() schema.RuntimeState {
	pending := o.queue.Len()
	o.mu.Lock()
	defer o.mu.Unlock()
	return schema.RuntimeState{
		IsOfflineMode:     o.offline,
		PendingOperations: pending,
		AutoSyncEnabled:   o.cfg.AutoSync,
		LastSyncAttempt:   o.lastSync,
	}
}

// RecordState reports where the record with id stands.
func (o *Orchestrator) RecordState(ctx context.Context, id string) (RecordState, error) {
	id = o.resolve(id)
	t, err := o.local.GetTodo(ctx, id)
	if err != nil {
		return "", err
	}
	o.mu.Lock()
	busy := o.inflight[id] > 0
	o.mu.Unlock()

	switch {
	case busy || o.queue.HasPending(id):
		return PendingSync, nil
	case t.Synced:
		return Synced, nil
	default:
		return LocalOnly, nil
	}
}

func (o *Orchestrator) publishStatus() {
	o.status.Publish(o.Status())
}

func (o *Orchestrator) saveRuntimeState(ctx context.Context) error {
	if err := o.local.SaveRuntimeState(ctx, o.RuntimeState()); err != nil {
		o.logger.Printf("Warning: failed to save runtime state: %v", err)
		return err
	}
	return nil
}
