package engine

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mschirtzinger/todosync/internal/config"
	"github.com/mschirtzinger/todosync/internal/hybrid"
	"github.com/mschirtzinger/todosync/internal/kv"
	"github.com/mschirtzinger/todosync/internal/local"
	"github.com/mschirtzinger/todosync/internal/migrate"
	"github.com/mschirtzinger/todosync/internal/remote"
	"github.com/mschirtzinger/todosync/internal/remote/remotetest"
	"github.com/mschirtzinger/todosync/internal/schema"
)

type memorySink struct {
	mu    sync.Mutex
	names []string
}

func (s *memorySink) Write(_ context.Context, name string, _ []schema.Todo) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, name)
	return "mem://" + name, nil
}

type fixture struct {
	srv *remotetest.Server
	mem *kv.Memory
	eng *Engine
}

func testSettings(t *testing.T, remoteURL string) config.Settings {
	t.Helper()
	s := config.DefaultSettings()
	s.DataDir = t.TempDir()
	s.BackupDir = t.TempDir()
	s.Store = kv.KindMemory
	s.RemoteURL = remoteURL
	s.AutoSync = false
	s.RetryAttempts = 1
	return s
}

func newFixture(t *testing.T, edit func(*config.Settings), opts ...Option) *fixture {
	t.Helper()
	srv := remotetest.New()
	ts := srv.Serve()
	t.Cleanup(ts.Close)

	s := testSettings(t, ts.URL)
	if edit != nil {
		edit(&s)
	}
	f := &fixture{srv: srv, mem: kv.NewMemory()}
	f.eng = start(t, s, f.mem, opts...)
	return f
}

func start(t *testing.T, s config.Settings, mem *kv.Memory, opts ...Option) *Engine {
	t.Helper()
	ctx := context.Background()
	opts = append([]Option{
		WithBackend(mem),
		WithLogOutput(io.Discard),
		WithRemoteOptions(remote.WithSleep(func(context.Context, time.Duration) error { return nil })),
	}, opts...)
	eng, err := New(ctx, s, opts...)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if err := eng.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	t.Cleanup(eng.Dispose)
	return eng
}

func remoteTodo(id, title string, completed bool) schema.Todo {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	return schema.Todo{ID: id, Title: title, Completed: completed, CreatedAt: now, UpdatedAt: now}
}

func TestEngine_InitSeedsStorageConfig(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) { s.ConflictResolution = schema.ConflictRemote })
	ctx := context.Background()

	if got := f.eng.Mode(); got != schema.ModeHybrid {
		t.Errorf("Mode() = %q, want hybrid", got)
	}
	if _, ok := f.eng.Service().(*hybrid.Orchestrator); !ok {
		t.Errorf("Service() = %T, want *hybrid.Orchestrator", f.eng.Service())
	}

	saved, err := f.eng.Local().LoadStorageConfig(ctx)
	if err != nil {
		t.Fatalf("LoadStorageConfig() failed: %v", err)
	}
	if saved.Mode != schema.ModeHybrid || saved.ConflictResolution != schema.ConflictRemote {
		t.Errorf("persisted config = %+v", saved)
	}
}

func TestEngine_WritesAreMirrored(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	td, err := f.eng.Service().CreateTodo(ctx, schema.CreateTodo{Title: "Buy milk"})
	if err != nil {
		t.Fatalf("CreateTodo() failed: %v", err)
	}
	if !f.eng.SyncPendingOperations(ctx) {
		t.Error("SyncPendingOperations() = false, want true")
	}
	if _, ok := f.srv.Todo(td.ID); !ok {
		t.Errorf("remote does not have %s", td.ID)
	}
}

func TestEngine_DisposeWaitsForMirrors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var ids []string
	for _, title := range []string{"Buy milk", "Call plumber", "File taxes"} {
		td, err := f.eng.Service().CreateTodo(ctx, schema.CreateTodo{Title: title})
		if err != nil {
			t.Fatalf("CreateTodo(%q) failed: %v", title, err)
		}
		ids = append(ids, td.ID)
	}
	f.eng.Dispose()

	for _, id := range ids {
		if _, ok := f.srv.Todo(id); !ok {
			t.Errorf("remote does not have %s after Dispose", id)
		}
	}
}

func TestEngine_WakeProbesRemote(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if !f.eng.Wake(ctx) {
		t.Error("Wake() = false with the server up")
	}
	f.srv.SetDown(true)
	if f.eng.Wake(ctx) {
		t.Error("Wake() = true with the server down")
	}
	f.srv.SetDown(false)
	if !f.eng.Wake(ctx) {
		t.Error("Wake() = false after the server came back")
	}
}

func TestEngine_PersistedModeWinsOnRestart(t *testing.T) {
	srv := remotetest.New()
	ts := srv.Serve()
	defer ts.Close()
	ctx := context.Background()
	mem := kv.NewMemory()
	s := testSettings(t, ts.URL)

	first := start(t, s, mem)
	if !first.SwitchStorageMode(ctx, schema.ModeLocal) {
		t.Fatal("SwitchStorageMode(local) = false")
	}
	first.Dispose()

	second := start(t, s, mem)
	if got := second.Mode(); got != schema.ModeLocal {
		t.Errorf("Mode() after restart = %q, want local", got)
	}
	if got := second.Orchestrator().Mode(); got != schema.ModeLocal {
		t.Errorf("orchestrator mode = %q, want local", got)
	}
}

func TestEngine_SwitchStorageMode(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var modes []schema.Mode
	defer f.eng.SubscribeMode(func(m schema.Mode) { modes = append(modes, m) })()

	td, err := f.eng.Service().CreateTodo(ctx, schema.CreateTodo{Title: "Before switch"})
	if err != nil {
		t.Fatalf("CreateTodo() failed: %v", err)
	}

	if !f.eng.SwitchStorageMode(ctx, schema.ModeRemote) {
		t.Fatal("SwitchStorageMode(remote) = false")
	}
	if _, ok := f.eng.Service().(*remote.Client); !ok {
		t.Fatalf("Service() = %T, want *remote.Client", f.eng.Service())
	}
	got, err := f.eng.Service().GetTodo(ctx, td.ID)
	if err != nil {
		t.Fatalf("GetTodo() via remote failed: %v", err)
	}
	if got.Title != "Before switch" {
		t.Errorf("Title = %q", got.Title)
	}

	if f.eng.SwitchStorageMode(ctx, schema.Mode("cloud")) {
		t.Error("SwitchStorageMode(cloud) = true, want false")
	}
	if !f.eng.SwitchStorageMode(ctx, schema.ModeHybrid) {
		t.Fatal("SwitchStorageMode(hybrid) = false")
	}
	if len(modes) != 2 || modes[0] != schema.ModeRemote || modes[1] != schema.ModeHybrid {
		t.Errorf("mode events = %v", modes)
	}
}

func TestEngine_OfflineQueueAndClear(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var counts []int
	defer f.eng.SubscribePendingCount(func(n int) { counts = append(counts, n) })()

	if err := f.eng.EnterOfflineMode(ctx); err != nil {
		t.Fatalf("EnterOfflineMode() failed: %v", err)
	}
	if _, err := f.eng.Service().CreateTodo(ctx, schema.CreateTodo{Title: "Offline task"}); err != nil {
		t.Fatalf("CreateTodo() failed: %v", err)
	}
	if n := len(f.eng.PendingOperations()); n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}
	if !f.eng.StorageConfig().OfflineMode {
		t.Error("offline mode not persisted in storage config")
	}
	if got := f.srv.CountRequests("POST", "/todos"); got != 0 {
		t.Errorf("remote saw %d creates while offline", got)
	}

	if err := f.eng.ClearLocalData(ctx); err != nil {
		t.Fatalf("ClearLocalData() failed: %v", err)
	}
	if n := len(f.eng.PendingOperations()); n != 0 {
		t.Errorf("pending after clear = %d, want 0", n)
	}
	todos, err := f.eng.Service().GetTodos(ctx)
	if err != nil {
		t.Fatalf("GetTodos() failed: %v", err)
	}
	if len(todos) != 0 {
		t.Errorf("local todos after clear = %d, want 0", len(todos))
	}
	if len(counts) == 0 || counts[len(counts)-1] != 0 {
		t.Errorf("pending count events = %v, want last 0", counts)
	}
}

func TestEngine_ExitOfflineDrains(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.eng.EnterOfflineMode(ctx); err != nil {
		t.Fatalf("EnterOfflineMode() failed: %v", err)
	}
	td, err := f.eng.Service().CreateTodo(ctx, schema.CreateTodo{Title: "Queued"})
	if err != nil {
		t.Fatalf("CreateTodo() failed: %v", err)
	}
	if err := f.eng.ExitOfflineMode(ctx); err != nil {
		t.Fatalf("ExitOfflineMode() failed: %v", err)
	}
	if !f.eng.SyncPendingOperations(ctx) {
		t.Error("SyncPendingOperations() = false")
	}
	if _, ok := f.srv.Todo(td.ID); !ok {
		t.Errorf("remote does not have %s after leaving offline mode", td.ID)
	}
	if f.eng.StorageConfig().OfflineMode {
		t.Error("offline mode still set in storage config")
	}
}

func TestEngine_MigrateToCloud(t *testing.T) {
	sink := &memorySink{}
	f := newFixture(t, nil, WithBackupSink(sink))
	ctx := context.Background()

	for _, title := range []string{"One", "Two"} {
		if _, err := f.eng.Local().CreateTodo(ctx, schema.CreateTodo{Title: title}); err != nil {
			t.Fatalf("CreateTodo() failed: %v", err)
		}
	}

	var last migrate.Progress
	defer f.eng.SubscribeProgress(func(p migrate.Progress) { last = p })()

	if !f.eng.MigrateToCloud(ctx, migrate.Options{Backup: true}) {
		t.Fatal("MigrateToCloud() = false")
	}
	if got := len(f.srv.Todos()); got != 2 {
		t.Errorf("remote has %d todos, want 2", got)
	}
	if len(sink.names) != 1 {
		t.Errorf("backups written = %v, want one", sink.names)
	}
	if last.Completed != 2 || last.Percentage != 100 {
		t.Errorf("final progress = %+v", last)
	}
}

func TestEngine_MigrateToLocal(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.srv.Seed(remoteTodo("r-1", "From server", false))

	if !f.eng.MigrateToLocal(ctx, migrate.Options{}) {
		t.Fatal("MigrateToLocal() = false")
	}
	td, err := f.eng.Local().GetTodo(ctx, "r-1")
	if err != nil {
		t.Fatalf("local GetTodo() failed: %v", err)
	}
	if td.Title != "From server" {
		t.Errorf("Title = %q", td.Title)
	}
}

func TestEngine_ConflictPolicy(t *testing.T) {
	tests := []struct {
		name          string
		policy        schema.ConflictPolicy
		wantOpen      int
		wantCompleted bool
	}{
		{"manual keeps the conflict", schema.ConflictManual, 1, false},
		{"remote wins", schema.ConflictRemote, 0, true},
		{"local wins", schema.ConflictLocal, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(s *config.Settings) { s.ConflictResolution = tt.policy })
			ctx := context.Background()

			f.srv.Seed(remoteTodo("r-1", "Buy milk", true))
			mine, err := f.eng.Local().CreateTodo(ctx, schema.CreateTodo{Title: "Buy milk"})
			if err != nil {
				t.Fatalf("CreateTodo() failed: %v", err)
			}

			result, err := f.eng.Migrate(ctx, ToCloud, migrate.Options{})
			if err != nil {
				t.Fatalf("Migrate() failed: %v", err)
			}
			if result.ConflictCount != tt.wantOpen {
				t.Errorf("ConflictCount = %d, want %d", result.ConflictCount, tt.wantOpen)
			}
			if got := len(f.eng.Conflicts()); got != tt.wantOpen {
				t.Errorf("open conflicts = %d, want %d", got, tt.wantOpen)
			}

			localTodo, err := f.eng.Local().GetTodo(ctx, mine.ID)
			if err != nil {
				t.Fatalf("local GetTodo() failed: %v", err)
			}
			if localTodo.Completed != tt.wantCompleted {
				t.Errorf("local completed = %v, want %v", localTodo.Completed, tt.wantCompleted)
			}
			if tt.policy == schema.ConflictLocal {
				rt, _ := f.srv.Todo("r-1")
				if rt.Completed {
					t.Error("remote still completed after local won")
				}
			}
		})
	}
}

func TestEngine_ResolveConflicts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.srv.Seed(remoteTodo("r-1", "Buy milk", true))
	if _, err := f.eng.Local().CreateTodo(ctx, schema.CreateTodo{Title: "Buy milk"}); err != nil {
		t.Fatalf("CreateTodo() failed: %v", err)
	}
	f.eng.MigrateToCloud(ctx, migrate.Options{})
	if len(f.eng.Conflicts()) != 1 {
		t.Fatalf("open conflicts = %d, want 1", len(f.eng.Conflicts()))
	}

	ok := f.eng.ResolveConflicts(ctx, []schema.ConflictResolution{{TodoID: "r-1", Resolution: schema.ResolveRemote}})
	if !ok {
		t.Error("ResolveConflicts() = false")
	}
	if len(f.eng.Conflicts()) != 0 {
		t.Errorf("open conflicts after resolve = %d", len(f.eng.Conflicts()))
	}
	if f.eng.ResolveConflicts(ctx, []schema.ConflictResolution{{TodoID: "r-1", Resolution: schema.ResolveRemote}}) {
		t.Error("resolving a closed conflict reported success")
	}
}

func TestEngine_ApplySettings(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	s := testSettings(t, f.eng.Status().RemoteURL)
	s.Mode = schema.ModeLocal
	s.AutoSync = true
	s.SyncInterval = time.Hour
	s.ConflictResolution = schema.ConflictLocal

	if err := f.eng.ApplySettings(ctx, s); err != nil {
		t.Fatalf("ApplySettings() failed: %v", err)
	}
	cfg := f.eng.StorageConfig()
	if cfg.Mode != schema.ModeLocal {
		t.Errorf("Mode = %q, want local", cfg.Mode)
	}
	if !cfg.AutoSync || cfg.Interval() != time.Hour || cfg.ConflictResolution != schema.ConflictLocal {
		t.Errorf("storage config = %+v", cfg)
	}
	if got := f.eng.Orchestrator().Mode(); got != schema.ModeLocal {
		t.Errorf("orchestrator mode = %q", got)
	}

	bad := s
	bad.Mode = schema.Mode("cloud")
	if err := f.eng.ApplySettings(ctx, bad); err == nil {
		t.Error("expected error for invalid settings")
	}
}

func TestEngine_Status(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.eng.EnterOfflineMode(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := f.eng.Service().CreateTodo(ctx, schema.CreateTodo{Title: "Queued"}); err != nil {
		t.Fatal(err)
	}

	st := f.eng.Status()
	if st.StorageMode != schema.ModeHybrid || st.Store != kv.KindMemory {
		t.Errorf("status = %+v", st)
	}
	if st.Sync == nil || !st.Sync.OfflineMode || st.Sync.PendingOperations != 1 {
		t.Errorf("sync status = %+v", st.Sync)
	}
}

func TestEngine_LocalOnly(t *testing.T) {
	ctx := context.Background()
	eng := start(t, testSettings(t, ""), kv.NewMemory())

	if _, ok := eng.Service().(*local.Store); !ok {
		t.Fatalf("Service() = %T, want *local.Store", eng.Service())
	}
	if eng.Mode() != schema.ModeLocal {
		t.Errorf("Mode() = %q, want local", eng.Mode())
	}
	if _, err := eng.Service().CreateTodo(ctx, schema.CreateTodo{Title: "Just here"}); err != nil {
		t.Fatalf("CreateTodo() failed: %v", err)
	}

	if eng.SwitchStorageMode(ctx, schema.ModeHybrid) {
		t.Error("SwitchStorageMode(hybrid) = true without a remote")
	}
	if eng.MigrateToCloud(ctx, migrate.Options{}) {
		t.Error("MigrateToCloud() = true without a remote")
	}
	if err := eng.EnterOfflineMode(ctx); err != ErrNoRemote {
		t.Errorf("EnterOfflineMode() = %v, want ErrNoRemote", err)
	}
	if !eng.SyncPendingOperations(ctx) {
		t.Error("SyncPendingOperations() = false with nothing to sync")
	}
	if eng.Status().Sync != nil {
		t.Error("local-only status should have no sync section")
	}
	if eng.Wake(ctx) {
		t.Error("Wake() = true without a remote")
	}

	unsub := eng.SubscribePendingCount(func(int) {})
	unsub()
}

func TestNew_InvalidSettings(t *testing.T) {
	s := testSettings(t, "http://localhost:1")
	s.Store = kv.Kind("postgres")
	if _, err := New(context.Background(), s, WithLogOutput(io.Discard)); err == nil {
		t.Error("expected error for unknown store")
	}

	s = testSettings(t, "not a url")
	if _, err := New(context.Background(), s, WithBackend(kv.NewMemory()), WithLogOutput(io.Discard)); err == nil {
		t.Error("expected error for invalid remote url")
	}
}
