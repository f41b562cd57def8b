package remote_test

import (
	"context"
	"io"
	"log"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mschirtzinger/todosync/internal/remote"
	"github.com/mschirtzinger/todosync/internal/remote/remotetest"
	"github.com/mschirtzinger/todosync/internal/schema"
	"github.com/mschirtzinger/todosync/internal/storage"
)

func noSleep(context.Context, time.Duration) error { return nil }

func newClient(t *testing.T, srv *remotetest.Server, mutate func(*remote.Config)) *remote.Client {
	t.Helper()
	ts := srv.Serve()
	t.Cleanup(ts.Close)

	cfg := remote.DefaultConfig()
	cfg.BaseURL = ts.URL
	cfg.RetryAttempts = 1
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := remote.New(cfg, log.New(io.Discard, "", 0), remote.WithSleep(noSleep))
	if err != nil {
		t.Fatalf("remote.New() failed: %v", err)
	}
	return c
}

func TestClient_CRUD(t *testing.T) {
	srv := remotetest.New()
	c := newClient(t, srv, nil)
	ctx := context.Background()

	created, err := c.CreateTodo(ctx, schema.CreateTodo{Title: "Call plumber", Priority: schema.IntPtr(2)})
	if err != nil {
		t.Fatalf("CreateTodo() failed: %v", err)
	}
	if created.ID == "" {
		t.Fatal("CreateTodo() returned record without id")
	}

	updated, err := c.UpdateTodo(ctx, created.ID, schema.TodoPatch{Completed: schema.BoolPtr(true), ClearPriority: true})
	if err != nil {
		t.Fatalf("UpdateTodo() failed: %v", err)
	}
	if !updated.Completed || updated.Priority != nil {
		t.Errorf("UpdateTodo() = %+v, want completed with no priority", updated)
	}

	todos, err := c.GetTodos(ctx)
	if err != nil {
		t.Fatalf("GetTodos() failed: %v", err)
	}
	if len(todos) != 1 {
		t.Fatalf("GetTodos() returned %d records, want 1", len(todos))
	}

	stats, err := c.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats() failed: %v", err)
	}
	if stats.Completed != 1 {
		t.Errorf("stats.Completed = %d, want 1", stats.Completed)
	}

	if err := c.DeleteTodo(ctx, created.ID); err != nil {
		t.Fatalf("DeleteTodo() failed: %v", err)
	}
	if _, err := c.GetTodo(ctx, created.ID); !storage.IsNotFound(err) {
		t.Errorf("GetTodo(deleted) error = %v, want not found", err)
	}
}

func TestClient_CreateRecordKeepsProposedID(t *testing.T) {
	srv := remotetest.New()
	c := newClient(t, srv, nil)
	now := time.Now().UTC()

	got, err := c.CreateRecord(context.Background(), schema.Todo{
		ID: "local-7", Title: "Water plants", Order: 3, CreatedAt: now, UpdatedAt: now, Synced: true,
	})
	if err != nil {
		t.Fatalf("CreateRecord() failed: %v", err)
	}
	if got.ID != "local-7" || got.Order != 3 {
		t.Errorf("CreateRecord() = %+v, want id local-7 order 3", got)
	}
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantRetryable bool
	}{
		{name: "service unavailable", status: http.StatusServiceUnavailable, wantRetryable: true},
		{name: "internal error", status: http.StatusInternalServerError, wantRetryable: true},
		{name: "request timeout", status: http.StatusRequestTimeout, wantRetryable: true},
		{name: "too many requests", status: http.StatusTooManyRequests, wantRetryable: true},
		{name: "bad request", status: http.StatusBadRequest, wantRetryable: false},
		{name: "unprocessable", status: http.StatusUnprocessableEntity, wantRetryable: false},
		{name: "unauthorized", status: http.StatusUnauthorized, wantRetryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := remotetest.New()
			c := newClient(t, srv, nil)
			srv.FailNext(1, tt.status)

			_, err := c.GetTodos(context.Background())
			if err == nil {
				t.Fatal("GetTodos() expected error, got nil")
			}
			if got := storage.IsRetryable(err); got != tt.wantRetryable {
				t.Errorf("IsRetryable(%v) = %v, want %v", err, got, tt.wantRetryable)
			}
		})
	}
}

func TestClient_DuplicateCreate(t *testing.T) {
	srv := remotetest.New()
	c := newClient(t, srv, nil)
	ctx := context.Background()

	if _, err := c.CreateTodo(ctx, schema.CreateTodo{Title: "Buy milk"}); err != nil {
		t.Fatalf("CreateTodo() failed: %v", err)
	}
	_, err := c.CreateTodo(ctx, schema.CreateTodo{Title: "buy milk"})
	if !storage.IsDuplicate(err) {
		t.Fatalf("CreateTodo(duplicate) error = %v, want duplicate", err)
	}
	if storage.IsRetryable(err) {
		t.Error("duplicate create classified as retryable")
	}
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	srv := remotetest.New()
	var slept int32
	ts := srv.Serve()
	defer ts.Close()

	cfg := remote.DefaultConfig()
	cfg.BaseURL = ts.URL
	cfg.RetryAttempts = 3
	c, err := remote.New(cfg, log.New(io.Discard, "", 0), remote.WithSleep(func(context.Context, time.Duration) error {
		atomic.AddInt32(&slept, 1)
		return nil
	}))
	if err != nil {
		t.Fatalf("remote.New() failed: %v", err)
	}

	srv.FailNext(2, http.StatusBadGateway)
	if _, err := c.GetTodos(context.Background()); err != nil {
		t.Fatalf("GetTodos() failed after retries: %v", err)
	}
	if got := srv.CountRequests(http.MethodGet, "/todos"); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
	if atomic.LoadInt32(&slept) != 2 {
		t.Errorf("backoff sleeps = %d, want 2", slept)
	}

	// validation failures are not retried
	srv.ResetRequests()
	srv.FailNext(1, http.StatusUnprocessableEntity)
	if _, err := c.GetTodos(context.Background()); err == nil {
		t.Fatal("GetTodos() expected error, got nil")
	}
	if got := srv.CountRequests(http.MethodGet, "/todos"); got != 1 {
		t.Errorf("requests for non-retryable = %d, want 1", got)
	}
}

func TestClient_HealthDemotionAndRecovery(t *testing.T) {
	srv := remotetest.New()
	c := newClient(t, srv, func(cfg *remote.Config) { cfg.FailureThreshold = 3 })
	ctx := context.Background()

	var events []bool
	stop := c.SubscribeReachability(func(r bool) { events = append(events, r) })
	defer stop()

	srv.SetDown(true)
	for i := 0; i < 4; i++ {
		_, _ = c.GetTodos(ctx)
	}
	if c.Reachable() {
		t.Fatal("Reachable() = true after 4 consecutive failures")
	}
	if c.ConsecutiveFailures() != 4 {
		t.Errorf("ConsecutiveFailures() = %d, want 4", c.ConsecutiveFailures())
	}

	if err := c.Probe(ctx); err == nil {
		t.Fatal("Probe() succeeded while server is down")
	}

	srv.SetDown(false)
	if err := c.Probe(ctx); err != nil {
		t.Fatalf("Probe() failed: %v", err)
	}
	if !c.Reachable() {
		t.Error("Reachable() = false after successful probe")
	}

	if len(events) != 2 || events[0] != false || events[1] != true {
		t.Errorf("reachability events = %v, want [false true]", events)
	}
}

func TestClient_ClientErrorsDoNotDemote(t *testing.T) {
	srv := remotetest.New()
	c := newClient(t, srv, func(cfg *remote.Config) { cfg.FailureThreshold = 2 })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _ = c.GetTodo(ctx, "missing")
	}
	if !c.Reachable() {
		t.Error("Reachable() = false after 404s")
	}
}

func TestClient_BearerToken(t *testing.T) {
	srv := remotetest.New()
	srv.RequireToken("s3cret")

	anon := newClient(t, srv, nil)
	if _, err := anon.GetTodos(context.Background()); err == nil {
		t.Error("GetTodos() without token succeeded")
	}

	authed := newClient(t, srv, func(cfg *remote.Config) { cfg.Token = "s3cret" })
	if _, err := authed.GetTodos(context.Background()); err != nil {
		t.Errorf("GetTodos() with token failed: %v", err)
	}
}

func TestClient_ExistingIDs(t *testing.T) {
	srv := remotetest.New()
	now := time.Now().UTC()
	srv.Seed(
		schema.Todo{ID: "a", Title: "A", CreatedAt: now, UpdatedAt: now},
		schema.Todo{ID: "b", Title: "B", Order: 1, CreatedAt: now, UpdatedAt: now},
	)
	c := newClient(t, srv, nil)

	have, err := c.ExistingIDs(context.Background(), []string{"a", "zzz", "b"})
	if err != nil {
		t.Fatalf("ExistingIDs() failed: %v", err)
	}
	if len(have) != 2 || !have["a"] || !have["b"] {
		t.Errorf("ExistingIDs() = %v, want a and b", have)
	}

	ok, err := c.Exists(context.Background(), "zzz")
	if err != nil || ok {
		t.Errorf("Exists(zzz) = %v, %v; want false, nil", ok, err)
	}
}

func TestNew_InvalidURL(t *testing.T) {
	cfg := remote.DefaultConfig()
	cfg.BaseURL = "not a url"
	if _, err := remote.New(cfg, nil); err == nil {
		t.Error("New(invalid url) expected error, got nil")
	}
}
