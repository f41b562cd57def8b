// Package remotetest provides an in-memory implementation of the todo REST
// server. Tests use it to exercise the remote client and everything layered
// on top of it; the devserver command serves it for local development.
//
// Fault injection:
//
//	srv := remotetest.New()
//	ts := srv.Serve()
//	defer ts.Close()
//
//	srv.FailNext(2, http.StatusServiceUnavailable) // next two requests fail
//	srv.SetDown(true)                              // every request fails until cleared
package remotetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/mschirtzinger/todosync/internal/schema"
)

// Request is one entry of the request log.
type Request struct {
	Method string
	Path   string
}

// Server is the in-memory todo server.
type Server struct {
	mu        sync.Mutex
	todos     map[string]schema.Todo
	seq       int
	assignIDs bool
	token     string

	down       bool
	failNext   int
	failStatus int

	requests []Request
	now      func() time.Time
}

// New creates an empty server that keeps client-proposed ids.
func New() *Server {
	return &Server{
		todos: make(map[string]schema.Todo),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Serve starts the server on a loopback port.
func (s *Server) Serve() *httptest.Server {
	return httptest.NewServer(s.Handler())
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.middleware)

	// fixed paths before the {id} routes
	r.HandleFunc("/todos/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/todos/reorder", s.handleReorder).Methods(http.MethodPost)
	r.HandleFunc("/todos", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/todos", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/todos/{id}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/todos/{id}", s.handleUpdate).Methods(http.MethodPatch)
	r.HandleFunc("/todos/{id}", s.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	return r
}

// ===== controls =====

// FailNext makes the next n requests answer with status.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext, s.failStatus = n, status
}

// SetDown makes every request answer 503 while down is true.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// AssignIDs makes the server ignore client-proposed ids and mint its own.
func (s *Server) AssignIDs(assign bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignIDs = assign
}

// RequireToken rejects requests without "Authorization: Bearer <token>".
func (s *Server) RequireToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// Requests returns a copy of the request log.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// CountRequests counts logged requests with the method whose path starts
// with prefix.
func (s *Server) CountRequests(method, prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.Method == method && strings.HasPrefix(r.Path, prefix) {
			n++
		}
	}
	return n
}

// ResetRequests clears the request log.
func (s *Server) ResetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

// Seed stores records directly, bypassing validation.
func (s *Server) Seed(todos ...schema.Todo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range todos {
		s.todos[t.ID] = t.Clone()
	}
}

// Todos returns every stored record in position order.
func (s *Server) Todos() []schema.Todo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked()
}

// Todo returns one stored record.
func (s *Server) Todo(id string) (schema.Todo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.todos[id]
	return t, ok
}

// FindByTitle returns the first record whose title matches case-insensitively.
func (s *Server) FindByTitle(title string) (schema.Todo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := schema.TitleKey(title)
	for _, t := range s.sortedLocked() {
		if schema.TitleKey(t.Title) == key {
			return t, true
		}
	}
	return schema.Todo{}, false
}

// ===== handlers =====

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path})
		down := s.down
		fail := 0
		if s.failNext > 0 {
			s.failNext--
			fail = s.failStatus
		}
		token := s.token
		s.mu.Unlock()

		switch {
		case down:
			writeError(w, http.StatusServiceUnavailable, "server is down")
			return
		case fail != 0:
			writeError(w, fail, "injected failure")
			return
		case token != "" && r.Header.Get("Authorization") != "Bearer "+token:
			writeError(w, http.StatusUnauthorized, "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	todos := s.sortedLocked()
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, toRecords(todos))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	stats := schema.ComputeStats(s.sortedLocked(), s.now())
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	t, ok := s.todos[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("todo %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, toRecord(t))
}

// createBody accepts both the bare DTO and a full record.
type createBody struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Completed     bool       `json:"completed"`
	CompletedAt   *time.Time `json:"completedAt"`
	Priority      *int       `json:"priority"`
	EstimatedTime *int       `json:"estimatedTime"`
	DueDate       *time.Time `json:"dueDate"`
	Order         *int       `json:"order"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	AIAnalyzed    bool       `json:"aiAnalyzed"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	dto := schema.CreateTodo{
		Title:         body.Title,
		Description:   body.Description,
		Priority:      body.Priority,
		EstimatedTime: body.EstimatedTime,
		DueDate:       body.DueDate,
	}
	if err := schema.ValidateCreate(&dto); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := schema.TitleKey(dto.Title)
	for _, t := range s.todos {
		if !t.Completed && schema.TitleKey(t.Title) == key {
			writeError(w, http.StatusConflict, fmt.Sprintf("todo %q already exists", t.Title))
			return
		}
	}

	id := body.ID
	if id == "" || s.assignIDs {
		s.seq++
		id = fmt.Sprintf("srv-%d", s.seq)
	}
	if _, exists := s.todos[id]; exists {
		writeError(w, http.StatusConflict, fmt.Sprintf("todo %s already exists", id))
		return
	}

	now := s.now()
	t := schema.Todo{
		ID:            id,
		Title:         dto.Title,
		Description:   dto.Description,
		Completed:     body.Completed,
		CompletedAt:   body.CompletedAt,
		Priority:      dto.Priority,
		EstimatedTime: dto.EstimatedTime,
		DueDate:       dto.DueDate,
		Order:         len(s.todos),
		CreatedAt:     body.CreatedAt,
		UpdatedAt:     body.UpdatedAt,
		AIAnalyzed:    body.AIAnalyzed,
	}
	if body.Order != nil {
		t.Order = *body.Order
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	t.Normalize()

	s.todos[id] = t
	writeJSON(w, http.StatusCreated, toRecord(t))
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var patch schema.TodoPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := schema.ValidatePatch(&patch); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.todos[id]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("todo %s not found", id))
		return
	}
	t = t.ApplyPatch(patch, s.now())
	s.todos[id] = t
	writeJSON(w, http.StatusOK, toRecord(t))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.todos[id]; !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("todo %s not found", id))
		return
	}
	delete(s.todos, id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request) {
	var updates []schema.OrderUpdate
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range updates {
		if _, ok := s.todos[u.ID]; !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("todo %s not found", u.ID))
			return
		}
	}
	now := s.now()
	for _, u := range updates {
		t := s.todos[u.ID]
		t = t.ApplyPatch(schema.TodoPatch{Order: schema.IntPtr(u.Order)}, now)
		s.todos[u.ID] = t
	}
	writeJSON(w, http.StatusOK, toRecords(s.sortedLocked()))
}

// ===== helpers =====

// record is the response shape: a todo without local sync metadata.
type record struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Completed     bool       `json:"completed"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	Priority      *int       `json:"priority,omitempty"`
	EstimatedTime *int       `json:"estimatedTime,omitempty"`
	DueDate       *time.Time `json:"dueDate,omitempty"`
	Order         int        `json:"order"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	AIAnalyzed    bool       `json:"aiAnalyzed"`
}

func toRecord(t schema.Todo) record {
	return record{
		ID:            t.ID,
		Title:         t.Title,
		Description:   t.Description,
		Completed:     t.Completed,
		CompletedAt:   t.CompletedAt,
		Priority:      t.Priority,
		EstimatedTime: t.EstimatedTime,
		DueDate:       t.DueDate,
		Order:         t.Order,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
		AIAnalyzed:    t.AIAnalyzed,
	}
}

func toRecords(todos []schema.Todo) []record {
	out := make([]record, len(todos))
	for i, t := range todos {
		out[i] = toRecord(t)
	}
	return out
}

func (s *Server) sortedLocked() []schema.Todo {
	out := make([]schema.Todo, 0, len(s.todos))
	for _, t := range s.todos {
		out = append(out, t.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	schema.SortByOrder(out)
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
