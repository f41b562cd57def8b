// Package engine wires the replicas, the orchestrator and the migration
// engine together and exposes the operations the rest of the application
// uses: the storage service for the current mode, offline control, queue
// draining, migrations and conflict resolution.
//
// Construction order is kv backend, local store, remote client, connectivity
// monitor, orchestrator, migrator. Dispose tears them down in reverse.
//
// Usage:
//
//	eng, err := engine.New(ctx, settings)
//	if err != nil {
//	    return err
//	}
//	if err := eng.Init(ctx); err != nil {
//	    return err
//	}
//	defer eng.Dispose()
//
//	todo, err := eng.Service().CreateTodo(ctx, schema.CreateTodo{Title: "Buy milk"})
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mschirtzinger/todosync/internal/backup"
	"github.com/mschirtzinger/todosync/internal/config"
	"github.com/mschirtzinger/todosync/internal/events"
	"github.com/mschirtzinger/todosync/internal/hybrid"
	"github.com/mschirtzinger/todosync/internal/kv"
	"github.com/mschirtzinger/todosync/internal/local"
	"github.com/mschirtzinger/todosync/internal/migrate"
	"github.com/mschirtzinger/todosync/internal/netmon"
	"github.com/mschirtzinger/todosync/internal/remote"
	"github.com/mschirtzinger/todosync/internal/schema"
	"github.com/mschirtzinger/todosync/internal/storage"
)

// ErrNoRemote is returned by operations that need a remote replica when
// none is configured.
var ErrNoRemote = errors.New("no remote configured")

// Direction selects the target of a migration.
type Direction string

const (
	ToCloud Direction = "to-cloud"
	ToLocal Direction = "to-local"
)

// disposeFlushTimeout bounds how long Dispose waits for in-flight mirrors
// before the rest are moved to the queue.
const disposeFlushTimeout = 10 * time.Second

// Status is a snapshot of the engine for status displays.
type Status struct {
	StorageMode        schema.Mode           `json:"storageMode" yaml:"storageMode"`
	Store              kv.Kind               `json:"store" yaml:"store"`
	RemoteURL          string                `json:"remoteUrl,omitempty" yaml:"remoteUrl,omitempty"`
	AutoSync           bool                  `json:"autoSync" yaml:"autoSync"`
	SyncInterval       string                `json:"syncInterval" yaml:"syncInterval"`
	ConflictResolution schema.ConflictPolicy `json:"conflictResolution" yaml:"conflictResolution"`
	OpenConflicts      int                   `json:"openConflicts" yaml:"openConflicts"`
	Sync               *hybrid.Status        `json:"sync,omitempty" yaml:"sync,omitempty"`
}

type options struct {
	backend    kv.Backend
	remoteOpts []remote.Option
	sink       migrate.BackupSink
	logOut     io.Writer
}

// Option configures an Engine.
type Option func(*options)

// WithBackend uses b instead of opening the backend named in the settings.
// The engine still closes it on Dispose.
func WithBackend(b kv.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithRemoteOptions passes options through to remote.New.
func WithRemoteOptions(opts ...remote.Option) Option {
	return func(o *options) { o.remoteOpts = append(o.remoteOpts, opts...) }
}

// WithBackupSink overrides the backup destination chosen from the settings.
func WithBackupSink(sink migrate.BackupSink) Option {
	return func(o *options) { o.sink = sink }
}

// WithLogOutput sends every component's log to w. The default is stderr.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOut = w }
}

// Engine is the composition root.
type Engine struct {
	logOut io.Writer
	logger *log.Logger

	backend  kv.Backend
	local    *local.Store
	remote   *remote.Client
	monitor  *netmon.Monitor
	orch     *hybrid.Orchestrator
	migrator *migrate.Engine

	mu          sync.Mutex
	settings    config.Settings
	storageCfg  schema.StorageConfig
	service     storage.TodoStorageService
	started     bool
	disposed    bool
	cancel      context.CancelFunc
	unsubscribe []func()

	reset chan struct{}
	wg    sync.WaitGroup

	modes events.Feed[schema.Mode]
}

// New builds every component from settings. Nothing runs until Init.
// An empty RemoteURL gives a local-only engine: the local store serves every
// request and remote operations fail with ErrNoRemote.
func New(ctx context.Context, settings config.Settings, opts ...Option) (*Engine, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	o := options{logOut: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		logOut:   o.logOut,
		settings: settings,
		reset:    make(chan struct{}, 1),
	}
	e.logger = e.newLogger("engine")

	backend := o.backend
	if backend == nil {
		var err error
		backend, err = kv.Open(ctx, kv.Options{Kind: settings.Store, Dir: settings.DataDir, RedisURL: settings.RedisURL})
		if err != nil {
			return nil, fmt.Errorf("failed to open %s store: %w", settings.Store, err)
		}
	}
	e.backend = backend
	e.local = local.New(backend, e.newLogger("local"))

	if settings.RemoteURL == "" {
		e.logger.Printf("No remote configured, running local-only")
		return e, nil
	}

	rc, err := remote.New(remote.Config{
		BaseURL:          settings.RemoteURL,
		Token:            settings.AuthToken,
		Timeout:          settings.RequestTimeout,
		RetryAttempts:    settings.RetryAttempts,
		RetryBackoff:     settings.RetryBackoff,
		FailureThreshold: settings.FailureThreshold,
		BatchConcurrency: settings.BatchConcurrency,
	}, e.newLogger("remote"), o.remoteOpts...)
	if err != nil {
		backend.Close()
		return nil, err
	}
	e.remote = rc
	e.monitor = netmon.New(rc, netmon.Config{ProbeInterval: settings.ProbeInterval}, e.newLogger("netmon"))
	e.orch = hybrid.New(e.local, rc, e.monitor, hybrid.Config{
		Mode:         settings.Mode,
		AutoSync:     settings.AutoSync,
		SyncInterval: settings.SyncInterval,
		OfflineGrace: settings.OfflineGrace,
		MaxRetries:   settings.MaxRetries,
	}, e.newLogger("hybrid"))

	sink := o.sink
	if sink == nil {
		sink, err = backupSink(settings, e.newLogger("backup"))
		if err != nil {
			backend.Close()
			return nil, err
		}
	}
	e.migrator = migrate.New(e.local, rc, e.newLogger("migrate"), migrate.WithBackupSink(sink))
	return e, nil
}

func backupSink(s config.Settings, logger *log.Logger) (migrate.BackupSink, error) {
	if mc := s.Backup.Minio.MinioConfig(); mc.Enabled() {
		return backup.NewMinioSink(mc, logger)
	}
	return backup.NewFileSink(s.BackupDir), nil
}

func (e *Engine) newLogger(name string) *log.Logger {
	return log.New(e.logOut, "["+name+"] ", log.LstdFlags)
}

// ===== Lifecycle =====

// Init loads the persisted storage config, seeding it from the settings on
// first run, starts the orchestrator and the monitor, and launches the
// periodic reconciliation loop.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	if e.started || e.disposed {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	cfg, err := e.loadStorageConfig(ctx)
	if err != nil {
		return err
	}
	if e.remote == nil {
		cfg.Mode = schema.ModeLocal
	}

	var unsubFailures func()
	if e.orch != nil {
		// subscribed before Start so operations dropped while loading the
		// queue are reported too
		unsubFailures = e.orch.SubscribeFailures(func(f hybrid.DrainFailure) {
			e.logger.Printf("Warning: dropped %s for %s: %v", f.Operation.Type, f.Operation.TodoID, f.Err)
		})
		if err := e.orch.Start(ctx); err != nil {
			unsubFailures()
			return fmt.Errorf("failed to start orchestrator: %w", err)
		}
		if cfg.Mode != schema.ModeRemote && cfg.Mode != e.orch.Mode() {
			if err := e.orch.SwitchMode(ctx, cfg.Mode); err != nil {
				unsubFailures()
				e.orch.Stop()
				return err
			}
		}
		if cfg.OfflineMode && !e.orch.IsOfflineMode() {
			if err := e.orch.EnterOfflineMode(ctx); err != nil {
				e.logger.Printf("Warning: failed to restore offline mode: %v", err)
			}
		}
	}

	lctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.storageCfg = cfg
	e.service = e.serviceFor(cfg.Mode)
	e.started = true
	e.cancel = cancel
	if unsubFailures != nil {
		e.unsubscribe = append(e.unsubscribe, unsubFailures)
	}
	e.mu.Unlock()

	if e.monitor != nil {
		e.monitor.Start(lctx)
	}
	e.wg.Add(1)
	go e.reconcileLoop(lctx)

	e.logger.Printf("Initialized in %s mode (store=%s, auto-sync=%v every %v)",
		cfg.Mode, e.settings.Store, cfg.AutoSync, cfg.Interval())
	return nil
}

// loadStorageConfig returns the persisted config, or the one described by
// the settings when nothing has been persisted yet.
func (e *Engine) loadStorageConfig(ctx context.Context) (schema.StorageConfig, error) {
	_, err := e.backend.Get(ctx, kv.KeyStorageConfig)
	if errors.Is(err, kv.ErrKeyNotFound) {
		cfg := e.settings.StorageConfig()
		if err := e.local.SaveStorageConfig(ctx, cfg); err != nil {
			return cfg, fmt.Errorf("failed to save storage config: %w", err)
		}
		return cfg, nil
	}
	if err != nil {
		return schema.StorageConfig{}, fmt.Errorf("failed to read storage config: %w", err)
	}
	cfg, err := e.local.LoadStorageConfig(ctx)
	if err != nil {
		e.logger.Printf("Warning: %v, using configured defaults", err)
		return e.settings.StorageConfig(), nil
	}
	if _, perr := schema.ParseMode(string(cfg.Mode)); perr != nil {
		cfg.Mode = e.settings.Mode
	}
	if cfg.ConflictResolution == "" {
		cfg.ConflictResolution = e.settings.ConflictResolution
	}
	return cfg, nil
}

// Dispose stops every background loop and closes the backend. Queued
// operations stay persisted for the next run.
func (e *Engine) Dispose() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	started := e.started
	e.started = false
	cancel := e.cancel
	unsubs := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if started {
		cancel()
		e.wg.Wait()
	}
	if e.orch != nil {
		ctx, cancelFlush := context.WithTimeout(context.Background(), disposeFlushTimeout)
		if err := e.orch.Flush(ctx); err != nil {
			e.logger.Printf("Warning: mirrors still running at shutdown, queuing them: %v", err)
		}
		cancelFlush()
		e.orch.Stop()
	}
	if e.monitor != nil {
		e.monitor.Stop()
	}
	if err := e.backend.Close(); err != nil {
		e.logger.Printf("Warning: failed to close store: %v", err)
	}
	e.logger.Printf("Disposed")
}

// ===== Service selection =====

func (e *Engine) serviceFor(mode schema.Mode) storage.TodoStorageService {
	switch {
	case e.orch == nil:
		return e.local
	case mode == schema.ModeRemote:
		return e.remote
	default:
		// local mode still goes through the orchestrator so writes queue
		// for the next switch to hybrid
		return e.orch
	}
}

// Service returns the storage service for the current mode.
func (e *Engine) Service() storage.TodoStorageService {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.service == nil {
		return e.serviceFor(e.storageCfg.Mode)
	}
	return e.service
}

// Mode returns the current storage mode.
func (e *Engine) Mode() schema.Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.storageCfg.Mode
}

// StorageConfig returns the current storage config.
func (e *Engine) StorageConfig() schema.StorageConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.storageCfg
}

// Local returns the local replica.
func (e *Engine) Local() *local.Store { return e.local }

// Remote returns the remote client, or nil when running local-only.
func (e *Engine) Remote() *remote.Client { return e.remote }

// Orchestrator returns the hybrid orchestrator, or nil when running
// local-only.
func (e *Engine) Orchestrator() *hybrid.Orchestrator { return e.orch }

// Migrator returns the migration engine, or nil when running local-only.
func (e *Engine) Migrator() *migrate.Engine { return e.migrator }

func (e *Engine) requireRemote() error {
	if e.remote == nil {
		return ErrNoRemote
	}
	return nil
}

// ===== Modes =====

// SwitchStorageMode changes the storage mode and persists it. Leaving for
// remote mode drains the queue first; anything that cannot drain stays
// queued for the next switch back.
func (e *Engine) SwitchStorageMode(ctx context.Context, mode schema.Mode) bool {
	if err := e.SetMode(ctx, mode); err != nil {
		e.logger.Printf("Error: failed to switch to %s mode: %v", mode, err)
		return false
	}
	return true
}

// SetMode is SwitchStorageMode with the error.
func (e *Engine) SetMode(ctx context.Context, mode schema.Mode) error {
	if _, err := schema.ParseMode(string(mode)); err != nil {
		return err
	}
	if mode != schema.ModeLocal {
		if err := e.requireRemote(); err != nil {
			return err
		}
	}
	prev := e.Mode()

	switch {
	case e.orch == nil:
	case mode == schema.ModeRemote:
		if err := e.orch.Flush(ctx); err != nil {
			return err
		}
		if ok, err := e.orch.SyncPendingOperations(ctx); !ok {
			e.logger.Printf("Warning: %d operations still queued entering remote mode (%v)", e.orch.Queue().Len(), err)
		}
	default:
		// persists the mode itself
		if err := e.orch.SwitchMode(ctx, mode); err != nil {
			return err
		}
	}

	e.mu.Lock()
	cfg := e.storageCfg
	cfg.Mode = mode
	e.mu.Unlock()
	if err := e.local.SaveStorageConfig(ctx, cfg); err != nil {
		return fmt.Errorf("failed to save storage config: %w", err)
	}

	e.mu.Lock()
	e.storageCfg = cfg
	e.service = e.serviceFor(mode)
	e.mu.Unlock()

	if prev != mode {
		e.logger.Printf("Storage mode %s -> %s", prev, mode)
		e.modes.Publish(mode)
	}
	e.resetLoop()
	return nil
}

// Wake re-checks the remote immediately, as after the host resumes from
// sleep. It reports whether the remote answered; without a remote it
// returns false.
func (e *Engine) Wake(ctx context.Context) bool {
	if e.monitor == nil {
		return false
	}
	return e.monitor.Wake(ctx)
}

// EnterOfflineMode suspends remote attempts until ExitOfflineMode.
func (e *Engine) EnterOfflineMode(ctx context.Context) error {
	return e.setOffline(ctx, true)
}

// ExitOfflineMode resumes remote attempts and drains the queue.
func (e *Engine) ExitOfflineMode(ctx context.Context) error {
	return e.setOffline(ctx, false)
}

func (e *Engine) setOffline(ctx context.Context, offline bool) error {
	if err := e.requireRemote(); err != nil {
		return err
	}
	var err error
	if offline {
		err = e.orch.EnterOfflineMode(ctx)
	} else {
		err = e.orch.ExitOfflineMode(ctx)
	}
	if err != nil {
		return err
	}
	return e.updateStorageConfig(ctx, func(cfg *schema.StorageConfig) { cfg.OfflineMode = offline })
}

func (e *Engine) updateStorageConfig(ctx context.Context, fn func(*schema.StorageConfig)) error {
	e.mu.Lock()
	cfg := e.storageCfg
	e.mu.Unlock()

	fn(&cfg)
	if err := e.local.SaveStorageConfig(ctx, cfg); err != nil {
		return fmt.Errorf("failed to save storage config: %w", err)
	}

	e.mu.Lock()
	e.storageCfg = cfg
	e.mu.Unlock()
	return nil
}

// ApplySettings applies a changed configuration at runtime: mode, auto-sync,
// sync interval and conflict policy. Connection settings need a restart.
func (e *Engine) ApplySettings(ctx context.Context, s config.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	prev := e.settings
	e.settings = s
	e.mu.Unlock()

	if s.RemoteURL != prev.RemoteURL || s.Store != prev.Store || s.AuthToken != prev.AuthToken {
		e.logger.Printf("Warning: connection settings changed, restart to apply")
	}
	if s.Mode != e.Mode() {
		if err := e.SetMode(ctx, s.Mode); err != nil {
			return err
		}
	}
	err := e.updateStorageConfig(ctx, func(cfg *schema.StorageConfig) {
		cfg.AutoSync = s.AutoSync
		cfg.SyncInterval = s.SyncInterval.Milliseconds()
		cfg.ConflictResolution = s.ConflictResolution
	})
	if err != nil {
		return err
	}
	e.resetLoop()
	return nil
}

// ===== Queue =====

// AddOfflineOperation queues op for the remote.
func (e *Engine) AddOfflineOperation(ctx context.Context, op schema.PendingOperation) error {
	if err := e.requireRemote(); err != nil {
		return err
	}
	return e.orch.AddOfflineOperation(ctx, op)
}

// SyncPendingOperations drains the queue now and reports whether it ended
// empty with nothing dropped.
func (e *Engine) SyncPendingOperations(ctx context.Context) bool {
	if e.orch == nil {
		return true
	}
	if err := e.orch.Flush(ctx); err != nil {
		e.logger.Printf("Warning: flush failed: %v", err)
	}
	ok, err := e.orch.SyncPendingOperations(ctx)
	if err != nil {
		e.logger.Printf("Error: drain failed: %v", err)
		return false
	}
	return ok
}

// PendingOperations returns a copy of the queue.
func (e *Engine) PendingOperations() []schema.PendingOperation {
	if e.orch == nil {
		return nil
	}
	return e.orch.PendingOperations()
}

// ===== Migrations =====

// Migrate runs one migration. Writes already submitted to the orchestrator
// are flushed and the queue drained first, so the migration sees them on
// the remote.
func (e *Engine) Migrate(ctx context.Context, dir Direction, opts migrate.Options) (migrate.Result, error) {
	if err := e.requireRemote(); err != nil {
		return migrate.Result{}, err
	}
	e.settle(ctx)

	var (
		result migrate.Result
		err    error
	)
	switch dir {
	case ToCloud:
		result, err = e.migrator.MigrateLocalToRemote(ctx, opts)
	case ToLocal:
		result, err = e.migrator.MigrateRemoteToLocal(ctx, opts)
	default:
		return migrate.Result{}, fmt.Errorf("unknown migration direction %q", dir)
	}
	if err != nil {
		return result, err
	}
	if !opts.DryRun {
		result = e.autoResolve(ctx, result)
	}
	return result, nil
}

// MigrateToCloud copies the local collection to the remote and reports
// success.
func (e *Engine) MigrateToCloud(ctx context.Context, opts migrate.Options) bool {
	return e.migrateOK(ctx, ToCloud, opts)
}

// MigrateToLocal copies the remote collection to the local store and
// reports success.
func (e *Engine) MigrateToLocal(ctx context.Context, opts migrate.Options) bool {
	return e.migrateOK(ctx, ToLocal, opts)
}

func (e *Engine) migrateOK(ctx context.Context, dir Direction, opts migrate.Options) bool {
	result, err := e.Migrate(ctx, dir, opts)
	if err != nil {
		e.logger.Printf("Error: migration %s failed: %v", dir, err)
		return false
	}
	return result.Success
}

// Reconcile drains the queue and syncs both directions.
func (e *Engine) Reconcile(ctx context.Context, opts migrate.Options) (migrate.Result, error) {
	if err := e.requireRemote(); err != nil {
		return migrate.Result{}, err
	}
	e.settle(ctx)
	result, err := e.migrator.Sync(ctx, opts)
	if err != nil {
		return result, err
	}
	if !opts.DryRun {
		result = e.autoResolve(ctx, result)
	}
	return result, nil
}

// settle pushes everything the orchestrator holds before a migration reads
// the remote collection.
func (e *Engine) settle(ctx context.Context) {
	if err := e.orch.Flush(ctx); err != nil {
		e.logger.Printf("Warning: flush failed: %v", err)
		return
	}
	if e.orch.Queue().Len() == 0 {
		return
	}
	if _, err := e.orch.Drain(ctx); err != nil {
		e.logger.Printf("Warning: drain before migration failed: %v", err)
	}
}

// autoResolve applies the configured conflict policy to the conflicts a
// migration found. Manual policy leaves them open.
func (e *Engine) autoResolve(ctx context.Context, result migrate.Result) migrate.Result {
	var choice schema.Resolution
	switch e.StorageConfig().ConflictResolution {
	case schema.ConflictLocal:
		choice = schema.ResolveLocal
	case schema.ConflictRemote:
		choice = schema.ResolveRemote
	default:
		return result
	}
	if len(result.Conflicts) == 0 {
		return result
	}

	resolutions := make([]schema.ConflictResolution, len(result.Conflicts))
	for i, c := range result.Conflicts {
		resolutions[i] = schema.ConflictResolution{TodoID: c.Local.ID, Resolution: choice}
	}
	res, err := e.migrator.ResolveConflicts(ctx, resolutions)
	if err != nil {
		e.logger.Printf("Warning: automatic conflict resolution failed: %v", err)
		return result
	}
	e.logger.Printf("Resolved %d conflicts automatically (%s wins)", res.UpdatedCount, choice)

	open := make(map[string]bool)
	for _, c := range e.migrator.Conflicts() {
		open[c.Key()] = true
	}
	remaining := result.Conflicts[:0:0]
	for _, c := range result.Conflicts {
		if open[c.Key()] {
			remaining = append(remaining, c)
		}
	}
	result.Conflicts = remaining
	result.ConflictCount = len(remaining)
	result.UpdatedCount += res.UpdatedCount
	return result
}

// Conflicts returns the active conflict set.
func (e *Engine) Conflicts() []schema.Conflict {
	if e.migrator == nil {
		return nil
	}
	return e.migrator.Conflicts()
}

// Resolve applies resolutions and returns the detailed result.
func (e *Engine) Resolve(ctx context.Context, resolutions []schema.ConflictResolution) (migrate.Result, error) {
	if err := e.requireRemote(); err != nil {
		return migrate.Result{}, err
	}
	return e.migrator.ResolveConflicts(ctx, resolutions)
}

// ResolveConflicts applies resolutions and reports whether all succeeded.
func (e *Engine) ResolveConflicts(ctx context.Context, resolutions []schema.ConflictResolution) bool {
	result, err := e.Resolve(ctx, resolutions)
	if err != nil {
		e.logger.Printf("Error: conflict resolution failed: %v", err)
		return false
	}
	return result.Success
}

// ClearLocalData removes every local record, the pending queue and the
// conflict set. Nothing calls it implicitly.
func (e *Engine) ClearLocalData(ctx context.Context) error {
	if e.orch != nil {
		if err := e.orch.Flush(ctx); err != nil {
			return err
		}
		if err := e.orch.Queue().Clear(ctx); err != nil {
			return fmt.Errorf("failed to clear pending operations: %w", err)
		}
	}
	if e.migrator != nil {
		return e.migrator.ClearLocalData(ctx)
	}
	return e.local.ClearAll(ctx)
}

// ===== Observables =====

// Status returns a snapshot for status displays.
func (e *Engine) Status() Status {
	e.mu.Lock()
	cfg := e.storageCfg
	s := Status{
		StorageMode:        cfg.Mode,
		Store:              e.settings.Store,
		RemoteURL:          e.settings.RemoteURL,
		AutoSync:           cfg.AutoSync,
		SyncInterval:       cfg.Interval().String(),
		ConflictResolution: cfg.ConflictResolution,
	}
	e.mu.Unlock()

	s.OpenConflicts = len(e.Conflicts())
	if e.orch != nil {
		st := e.orch.Status()
		s.Sync = &st
	}
	return s
}

// SubscribePendingCount registers fn for queue length changes.
func (e *Engine) SubscribePendingCount(fn func(int)) func() {
	if e.orch == nil {
		return func() {}
	}
	return e.orch.SubscribePendingCount(fn)
}

// SubscribeSyncStatus registers fn for sync status changes.
func (e *Engine) SubscribeSyncStatus(fn func(hybrid.Status)) func() {
	if e.orch == nil {
		return func() {}
	}
	return e.orch.SubscribeStatus(fn)
}

// SubscribeFailures registers fn for operations the drain dropped.
func (e *Engine) SubscribeFailures(fn func(hybrid.DrainFailure)) func() {
	if e.orch == nil {
		return func() {}
	}
	return e.orch.SubscribeFailures(fn)
}

// SubscribeConflicts registers fn for changes to the conflict set.
func (e *Engine) SubscribeConflicts(fn func([]schema.Conflict)) func() {
	if e.migrator == nil {
		return func() {}
	}
	return e.migrator.SubscribeConflicts(fn)
}

// SubscribeProgress registers fn for migration progress.
func (e *Engine) SubscribeProgress(fn func(migrate.Progress)) func() {
	if e.migrator == nil {
		return func() {}
	}
	return e.migrator.SubscribeProgress(fn)
}

// SubscribeMode registers fn for storage mode changes.
func (e *Engine) SubscribeMode(fn func(schema.Mode)) func() {
	return e.modes.Subscribe(fn)
}

// ===== Periodic reconciliation =====

func (e *Engine) resetLoop() {
	select {
	case e.reset <- struct{}{}:
	default:
	}
}

func (e *Engine) reconcileLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		cfg := e.StorageConfig()
		var timer *time.Timer
		var fire <-chan time.Time
		if cfg.AutoSync && e.remote != nil {
			timer = time.NewTimer(cfg.Interval())
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-e.reset:
			if timer != nil {
				timer.Stop()
			}
		case <-fire:
			e.reconcileOnce(ctx)
		}
	}
}

func (e *Engine) reconcileOnce(ctx context.Context) {
	if reason := e.reconcileBlocked(); reason != "" {
		e.logger.Printf("Skipping periodic sync: %s", reason)
		return
	}
	result, err := e.Reconcile(ctx, migrate.Options{})
	if err != nil {
		e.logger.Printf("Warning: periodic sync failed: %v", err)
		return
	}
	e.logger.Printf("Periodic sync: %d migrated, %d updated, %d conflicts, %d errors",
		result.MigratedCount, result.UpdatedCount, result.ConflictCount, result.ErrorCount)
}

func (e *Engine) reconcileBlocked() string {
	switch {
	case e.Mode() != schema.ModeHybrid:
		return string(e.Mode()) + " mode"
	case e.orch.IsOfflineMode():
		return "offline mode"
	case !e.monitor.IsOnline():
		return "offline"
	case !e.remote.Reachable():
		return "remote unreachable"
	}
	return ""
}
