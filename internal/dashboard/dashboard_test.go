package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/mschirtzinger/todosync/internal/engine"
	"github.com/mschirtzinger/todosync/internal/events"
	"github.com/mschirtzinger/todosync/internal/hybrid"
	"github.com/mschirtzinger/todosync/internal/migrate"
	"github.com/mschirtzinger/todosync/internal/schema"
)

type fakeSource struct {
	status    events.Feed[hybrid.Status]
	pending   events.Feed[int]
	conflicts events.Feed[[]schema.Conflict]
	progress  events.Feed[migrate.Progress]
	failures  events.Feed[hybrid.DrainFailure]
	open      []schema.Conflict
}

func (f *fakeSource) Status() engine.Status {
	return engine.Status{StorageMode: schema.ModeHybrid, OpenConflicts: len(f.open)}
}
func (f *fakeSource) Conflicts() []schema.Conflict { return f.open }
func (f *fakeSource) SubscribeSyncStatus(fn func(hybrid.Status)) func() {
	return f.status.Subscribe(fn)
}
func (f *fakeSource) SubscribePendingCount(fn func(int)) func() { return f.pending.Subscribe(fn) }
func (f *fakeSource) SubscribeConflicts(fn func([]schema.Conflict)) func() {
	return f.conflicts.Subscribe(fn)
}
func (f *fakeSource) SubscribeProgress(fn func(migrate.Progress)) func() {
	return f.progress.Subscribe(fn)
}
func (f *fakeSource) SubscribeFailures(fn func(hybrid.DrainFailure)) func() {
	return f.failures.Subscribe(fn)
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func startServer(t *testing.T) *Server {
	t.Helper()
	server := NewServer(&Config{Port: 0, Host: "127.0.0.1", Logger: quietLogger()})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	return server
}

func dial(t *testing.T, server *Server) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn, ctx
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func waitForClients(t *testing.T, server *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for server.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients, got %d", n, server.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: quietLogger()})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if server.GetAddr() == "" {
		t.Fatal("Server address is empty")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestHealth(t *testing.T) {
	server := startServer(t)

	resp, err := http.Get("http://" + server.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.Clients != 0 {
		t.Errorf("health = %+v", body)
	}
}

func TestMultipleClients(t *testing.T) {
	server := startServer(t)
	for i := 0; i < 3; i++ {
		dial(t, server)
	}
	waitForClients(t, server, 3)
}

func TestBroadcast(t *testing.T) {
	server := startServer(t)
	conn, ctx := dial(t, server)
	waitForClients(t, server, 1)

	msg, err := NewMessage(MessageTypePendingCount, PendingCountData{Count: 4})
	if err != nil {
		t.Fatal(err)
	}
	server.Broadcast(msg)

	got := readMessage(t, ctx, conn)
	if got.Type != MessageTypePendingCount {
		t.Fatalf("Expected message type %s, got %s", MessageTypePendingCount, got.Type)
	}
	var data PendingCountData
	if err := json.Unmarshal(got.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Count != 4 {
		t.Errorf("Count = %d, want 4", data.Count)
	}
}

func TestHandlerSnapshotOnConnect(t *testing.T) {
	server := startServer(t)
	src := &fakeSource{open: []schema.Conflict{{Local: schema.Todo{ID: "a"}, Remote: schema.Todo{ID: "b"}}}}
	h := NewHandler(server, src, quietLogger())
	h.Attach()
	defer h.Detach()

	conn, ctx := dial(t, server)

	first := readMessage(t, ctx, conn)
	if first.Type != MessageTypeSnapshot {
		t.Fatalf("first message = %s, want %s", first.Type, MessageTypeSnapshot)
	}
	var status engine.Status
	if err := json.Unmarshal(first.Data, &status); err != nil {
		t.Fatal(err)
	}
	if status.OpenConflicts != 1 {
		t.Errorf("OpenConflicts = %d, want 1", status.OpenConflicts)
	}

	second := readMessage(t, ctx, conn)
	if second.Type != MessageTypeConflicts {
		t.Fatalf("second message = %s, want %s", second.Type, MessageTypeConflicts)
	}
}

func TestHandlerForwardsEvents(t *testing.T) {
	server := startServer(t)
	src := &fakeSource{}
	h := NewHandler(server, src, quietLogger())
	h.Attach()

	conn, ctx := dial(t, server)
	readMessage(t, ctx, conn) // snapshot
	readMessage(t, ctx, conn) // conflicts
	waitForClients(t, server, 1)

	tests := []struct {
		name    string
		publish func()
		want    MessageType
	}{
		{"sync status", func() { src.status.Publish(hybrid.Status{Mode: schema.ModeHybrid, PendingOperations: 2}) }, MessageTypeSyncStatus},
		{"pending count", func() { src.pending.Publish(2) }, MessageTypePendingCount},
		{"conflicts", func() { src.conflicts.Publish(nil) }, MessageTypeConflicts},
		{"progress", func() { src.progress.Publish(migrate.Progress{Total: 2, Completed: 1, Percentage: 50}) }, MessageTypeMigrationProgress},
		{"drain failure", func() {
			src.failures.Publish(hybrid.DrainFailure{
				Operation: schema.PendingOperation{ID: "op-1", Type: schema.OpCreate, TodoID: "t-1"},
				Err:       errors.New("server said no"),
			})
		}, MessageTypeDrainFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.publish()
			got := readMessage(t, ctx, conn)
			if got.Type != tt.want {
				t.Errorf("message type = %s, want %s", got.Type, tt.want)
			}
			if tt.want == MessageTypeDrainFailure {
				var data DrainFailureData
				if err := json.Unmarshal(got.Data, &data); err != nil {
					t.Fatal(err)
				}
				if data.OperationID != "op-1" || data.Error != "server said no" {
					t.Errorf("drain failure = %+v", data)
				}
			}
		})
	}

	h.Detach()
	if src.pending.Len() != 0 || src.status.Len() != 0 {
		t.Error("Detach left subscriptions behind")
	}
}
