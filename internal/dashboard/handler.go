package dashboard

import (
	"log"
	"os"
	"sync"

	"github.com/mschirtzinger/todosync/internal/engine"
	"github.com/mschirtzinger/todosync/internal/hybrid"
	"github.com/mschirtzinger/todosync/internal/migrate"
	"github.com/mschirtzinger/todosync/internal/schema"
)

// Source is what the handler listens to. *engine.Engine satisfies it.
type Source interface {
	Status() engine.Status
	Conflicts() []schema.Conflict
	SubscribeSyncStatus(fn func(hybrid.Status)) func()
	SubscribePendingCount(fn func(int)) func()
	SubscribeConflicts(fn func([]schema.Conflict)) func()
	SubscribeProgress(fn func(migrate.Progress)) func()
	SubscribeFailures(fn func(hybrid.DrainFailure)) func()
}

var _ Source = (*engine.Engine)(nil)

// PendingCountData is the payload of a pending_count message
type PendingCountData struct {
	Count int `json:"count"`
}

// DrainFailureData is the payload of a drain_failure message
type DrainFailureData struct {
	OperationID string `json:"operationId"`
	Type        string `json:"type"`
	TodoID      string `json:"todoId"`
	RetryCount  int    `json:"retryCount"`
	Error       string `json:"error"`
}

// Handler forwards engine events to the server as dashboard messages.
type Handler struct {
	server *Server
	source Source
	logger *log.Logger

	mu    sync.Mutex
	unsub []func()
}

// NewHandler creates a handler for source. Nothing is forwarded until Attach.
func NewHandler(server *Server, source Source, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	return &Handler{server: server, source: source, logger: logger}
}

// Attach subscribes to every feed of the source and installs the snapshot
// sent to new clients.
func (h *Handler) Attach() {
	h.server.SetWelcome(h.Snapshot)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsub = append(h.unsub,
		h.source.SubscribeSyncStatus(h.OnSyncStatus),
		h.source.SubscribePendingCount(h.OnPendingCount),
		h.source.SubscribeConflicts(h.OnConflicts),
		h.source.SubscribeProgress(h.OnProgress),
		h.source.SubscribeFailures(h.OnDrainFailure),
	)
}

// Detach removes every subscription.
func (h *Handler) Detach() {
	h.mu.Lock()
	unsub := h.unsub
	h.unsub = nil
	h.mu.Unlock()

	for _, fn := range unsub {
		fn()
	}
}

// Snapshot returns the current state as messages for a new client.
func (h *Handler) Snapshot() []Message {
	var out []Message
	if msg, ok := h.message(MessageTypeSnapshot, h.source.Status()); ok {
		out = append(out, msg)
	}
	if msg, ok := h.message(MessageTypeConflicts, conflictList(h.source.Conflicts())); ok {
		out = append(out, msg)
	}
	return out
}

// OnSyncStatus handles sync status changes
func (h *Handler) OnSyncStatus(status hybrid.Status) {
	h.send(MessageTypeSyncStatus, status)
}

// OnPendingCount handles queue length changes
func (h *Handler) OnPendingCount(count int) {
	h.send(MessageTypePendingCount, PendingCountData{Count: count})
}

// OnConflicts handles changes to the conflict set
func (h *Handler) OnConflicts(conflicts []schema.Conflict) {
	h.send(MessageTypeConflicts, conflictList(conflicts))
}

// OnProgress handles migration progress
func (h *Handler) OnProgress(p migrate.Progress) {
	h.send(MessageTypeMigrationProgress, p)
}

// OnDrainFailure handles operations dropped by the drain
func (h *Handler) OnDrainFailure(f hybrid.DrainFailure) {
	h.logger.Printf("Operation %s dropped: %v", f.Operation.ID, f.Err)
	data := DrainFailureData{
		OperationID: f.Operation.ID,
		Type:        string(f.Operation.Type),
		TodoID:      f.Operation.TodoID,
		RetryCount:  f.Operation.RetryCount,
	}
	if f.Err != nil {
		data.Error = f.Err.Error()
	}
	h.send(MessageTypeDrainFailure, data)
}

func (h *Handler) send(typ MessageType, data any) {
	if msg, ok := h.message(typ, data); ok {
		h.server.Broadcast(msg)
	}
}

func (h *Handler) message(typ MessageType, data any) (Message, bool) {
	msg, err := NewMessage(typ, data)
	if err != nil {
		h.logger.Printf("Failed to build message: %v", err)
		return Message{}, false
	}
	return msg, true
}

// conflictList keeps an empty set encoding as [] rather than null.
func conflictList(c []schema.Conflict) []schema.Conflict {
	if c == nil {
		return []schema.Conflict{}
	}
	return c
}
