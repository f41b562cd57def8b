// Package dashboard provides a real-time WebSocket feed of sync activity.
//
// Connected clients receive sync status changes, pending-operation counts,
// the open conflict set, migration progress and dropped operations. Clients
// only listen; a client that sends a data frame is disconnected.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	writeWait  = 5 * time.Second
	pingPeriod = 30 * time.Second

	// per-client queue; a client this far behind is disconnected
	sendBuffer = 64
)

// MessageType names the payload of a Message.
type MessageType string

const (
	MessageTypeSnapshot          MessageType = "snapshot"
	MessageTypeSyncStatus        MessageType = "sync_status"
	MessageTypePendingCount      MessageType = "pending_count"
	MessageTypeConflicts         MessageType = "conflicts"
	MessageTypeMigrationProgress MessageType = "migration_progress"
	MessageTypeDrainFailure      MessageType = "drain_failure"
)

// Message is one frame sent to clients.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage marshals data into a message of type typ.
func NewMessage(typ MessageType, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s data: %w", typ, err)
	}
	return Message{Type: typ, Timestamp: time.Now(), Data: raw}, nil
}

// Config holds server configuration
type Config struct {
	// Port to listen on. Zero picks a free port.
	Port int

	// Host to bind, default all interfaces
	Host string

	Logger *log.Logger
}

// DefaultConfig listens on port 8090 and logs to stderr.
func DefaultConfig() *Config {
	return &Config{
		Port:   8090,
		Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// client is one connection and its outgoing queue.
type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Server accepts dashboard clients and fans messages out to them.
type Server struct {
	addr   string
	logger *log.Logger

	listener net.Listener
	http     *http.Server

	mu      sync.RWMutex
	clients map[*client]struct{}
	welcome func() []Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server. Nothing listens until Start.
func NewServer(cfg *Config) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:    net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		logger:  logger,
		clients: make(map[*client]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetWelcome sets the messages queued for each client as it connects,
// ahead of any broadcast.
func (s *Server) SetWelcome(fn func() []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.welcome = fn
}

// Handler returns the HTTP routes, for mounting on another server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.http = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every client and shuts the listener down.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	for c := range s.clients {
		delete(s.clients, c)
		c.close()
	}
	s.mu.Unlock()

	var err error
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		if shutdownErr := s.http.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("server shutdown error: %w", shutdownErr)
		}
	}
	s.wg.Wait()
	s.logger.Println("Dashboard stopped")
	return err
}

// Broadcast queues msg for every client. It never blocks: a client whose
// queue is full is dropped.
func (s *Server) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("Failed to marshal %s message: %v", msg.Type, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			s.logger.Printf("Client too slow, disconnecting (%d queued)", len(c.send))
			delete(s.clients, c)
			c.close()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	// queued under the lock so no broadcast can overtake the snapshot
	if s.welcome != nil {
		for _, msg := range s.welcome() {
			if data, err := json.Marshal(msg); err == nil && len(c.send) < cap(c.send) {
				c.send <- data
			}
		}
	}
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.wg.Add(1)
	s.mu.Unlock()
	s.logger.Printf("Client connected (total: %d)", n)

	go s.writePump(c)
	s.readPump(c)
}

// readPump discards input and notices disconnects.
func (s *Server) readPump(c *client) {
	defer s.remove(c)
	ctx := c.conn.CloseRead(s.ctx)
	<-ctx.Done()
}

func (s *Server) writePump(c *client) {
	defer s.wg.Done()
	defer func() { _ = c.conn.CloseNow() }()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.Close(websocket.StatusGoingAway, "")
				return
			}
			ctx, cancel := context.WithTimeout(s.ctx, writeWait)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.remove(c)
				return
			}
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, writeWait)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				s.remove(c)
				return
			}
		}
	}
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	n := len(s.clients)
	s.mu.Unlock()

	c.close()
	if ok {
		s.logger.Printf("Client disconnected (total: %d)", n)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// GetAddr returns the listening address, or the configured one before Start.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
