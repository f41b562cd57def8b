// Package remote is the client for the server-side todo replica.
//
// The server exposes a small REST surface under /todos:
//
//	GET    /todos          list
//	GET    /todos/{id}     fetch one
//	POST   /todos          create
//	PATCH  /todos/{id}     partial update
//	DELETE /todos/{id}     delete
//	POST   /todos/reorder  bulk position change
//	GET    /todos/stats    statistics (also used as the health probe)
//
// Every failure is returned as a *storage.Error whose Retryable flag tells the
// caller whether queueing the operation for a later attempt makes sense.
//
// # Health
//
// The client counts consecutive failed calls. A call that gets any answer
// from the server, even a 4xx, resets the count. When the count reaches
// FailureThreshold the client reports itself unreachable until a later call or
// an explicit Probe succeeds. Subscribers registered with SubscribeReachability
// see exactly one event per transition.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/mschirtzinger/todosync/internal/events"
	"github.com/mschirtzinger/todosync/internal/schema"
	"github.com/mschirtzinger/todosync/internal/storage"
)

// Config holds client settings.
type Config struct {
	// BaseURL is the server root; requests go to BaseURL + "/todos".
	BaseURL string

	// Token, when set, is sent as a bearer token on every request.
	Token string

	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration

	// RetryAttempts is the number of attempts per call, including the first.
	RetryAttempts int

	// RetryBackoff is the delay before the second attempt; it doubles after
	// every further failure up to MaxBackoff.
	RetryBackoff time.Duration
	MaxBackoff   time.Duration

	// FailureThreshold is the number of consecutive failed calls after which
	// the server is considered unreachable.
	FailureThreshold int

	// BatchConcurrency bounds in-flight requests for batch operations.
	BatchConcurrency int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:          "http://localhost:8080",
		Timeout:          10 * time.Second,
		RetryAttempts:    3,
		RetryBackoff:     500 * time.Millisecond,
		MaxBackoff:       5 * time.Second,
		FailureThreshold: 3,
		BatchConcurrency: 5,
	}
}

// Client talks to the remote replica. It implements storage.TodoStorageService.
type Client struct {
	cfg    Config
	base   string
	http   *http.Client
	logger *log.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	failures  int
	reachable bool
	lastErr   error

	reachability events.Feed[bool]
}

var _ storage.TodoStorageService = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client. The bearer token, if any,
// is layered on top of its transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithSleep replaces the backoff sleeper. Tests use it to skip waiting.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) {
		c.sleep = fn
	}
}

// New creates a Client.
//
// If logger is nil, a default logger writing to stderr is used.
func New(cfg Config, logger *log.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	defaults := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaults.RetryBackoff
	}
	if cfg.MaxBackoff < cfg.RetryBackoff {
		cfg.MaxBackoff = cfg.RetryBackoff
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = defaults.BatchConcurrency
	}

	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid remote url %q", cfg.BaseURL)
	}

	c := &Client{
		cfg:       cfg,
		base:      u.String(),
		logger:    logger,
		sleep:     sleepContext,
		reachable: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, c.http)
		authed := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token, TokenType: "Bearer"}))
		authed.Timeout = c.http.Timeout
		c.http = authed
	}
	return c, nil
}

// ===== Health =====

// Reachable reports whether the server is currently believed reachable.
func (c *Client) Reachable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reachable
}

// ConsecutiveFailures returns the current failure streak.
func (c *Client) ConsecutiveFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// LastError returns the error of the most recent failed call.
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// SubscribeReachability registers fn for reachable/unreachable transitions.
func (c *Client) SubscribeReachability(fn func(reachable bool)) func() {
	return c.reachability.Subscribe(fn)
}

// Probe issues a single health request without retries. A success restores
// reachability.
func (c *Client) Probe(ctx context.Context) error {
	err := c.once(ctx, "remote.probe", http.MethodGet, "/todos/stats", nil, nil)
	c.record(err)
	return err
}

// Health implements storage.TodoStorageService.
func (c *Client) Health(ctx context.Context) error {
	return c.Probe(ctx)
}

func (c *Client) record(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}

	c.mu.Lock()
	changed := false
	if err == nil || !storage.IsRetryable(err) {
		// the server answered
		c.failures = 0
		if !c.reachable {
			c.reachable, changed = true, true
		}
	} else {
		c.failures++
		c.lastErr = err
		if c.reachable && c.failures >= c.cfg.FailureThreshold {
			c.reachable, changed = false, true
		}
	}
	reachable, failures := c.reachable, c.failures
	c.mu.Unlock()

	if !changed {
		return
	}
	if reachable {
		c.logger.Printf("Remote reachable again")
	} else {
		c.logger.Printf("Remote unreachable after %d consecutive failures: %v", failures, err)
	}
	c.reachability.Publish(reachable)
}

// ===== CRUD =====

// GetTodos lists every remote record.
func (c *Client) GetTodos(ctx context.Context) ([]schema.Todo, error) {
	var wire []wireTodo
	if err := c.do(ctx, "remote.list", http.MethodGet, "/todos", nil, &wire); err != nil {
		return nil, err
	}
	return fromWireAll(wire), nil
}

// GetTodo fetches one record.
func (c *Client) GetTodo(ctx context.Context, id string) (schema.Todo, error) {
	var w wireTodo
	if err := c.do(ctx, "remote.get", http.MethodGet, todoPath(id), nil, &w); err != nil {
		return schema.Todo{}, err
	}
	return w.toTodo(), nil
}

// Exists reports whether the server has a record with id.
func (c *Client) Exists(ctx context.Context, id string) (bool, error) {
	_, err := c.GetTodo(ctx, id)
	if storage.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ExistingIDs returns the subset of ids the server knows about.
func (c *Client) ExistingIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	all, err := c.GetTodos(ctx)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(all))
	for _, t := range all {
		have[t.ID] = true
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		if have[id] {
			out[id] = true
		}
	}
	return out, nil
}

// CreateTodo creates a record from a DTO; the server assigns the id.
func (c *Client) CreateTodo(ctx context.Context, dto schema.CreateTodo) (schema.Todo, error) {
	if err := schema.ValidateCreate(&dto); err != nil {
		return schema.Todo{}, err
	}
	var w wireTodo
	if err := c.do(ctx, "remote.create", http.MethodPost, "/todos", dto, &w); err != nil {
		return schema.Todo{}, err
	}
	return w.toTodo(), nil
}

// CreateRecord creates t on the server, proposing its id. The returned record
// carries whatever id the server settled on.
func (c *Client) CreateRecord(ctx context.Context, t schema.Todo) (schema.Todo, error) {
	var w wireTodo
	if err := c.do(ctx, "remote.create", http.MethodPost, "/todos", toWire(t), &w); err != nil {
		return schema.Todo{}, err
	}
	return w.toTodo(), nil
}

// UpdateTodo sends a partial update.
func (c *Client) UpdateTodo(ctx context.Context, id string, patch schema.TodoPatch) (schema.Todo, error) {
	if err := schema.ValidatePatch(&patch); err != nil {
		return schema.Todo{}, err
	}
	var w wireTodo
	if err := c.do(ctx, "remote.update", http.MethodPatch, todoPath(id), patch, &w); err != nil {
		return schema.Todo{}, err
	}
	return w.toTodo(), nil
}

// DeleteTodo removes a record.
func (c *Client) DeleteTodo(ctx context.Context, id string) error {
	return c.do(ctx, "remote.delete", http.MethodDelete, todoPath(id), nil, nil)
}

// ReorderTodos changes positions and returns the server's resulting list.
func (c *Client) ReorderTodos(ctx context.Context, updates []schema.OrderUpdate) ([]schema.Todo, error) {
	var wire []wireTodo
	if err := c.do(ctx, "remote.reorder", http.MethodPost, "/todos/reorder", updates, &wire); err != nil {
		return nil, err
	}
	return fromWireAll(wire), nil
}

// GetStats returns server-side statistics.
func (c *Client) GetStats(ctx context.Context) (schema.TodoStats, error) {
	var stats schema.TodoStats
	if err := c.do(ctx, "remote.stats", http.MethodGet, "/todos/stats", nil, &stats); err != nil {
		return schema.TodoStats{}, err
	}
	return stats, nil
}

// ===== transport =====

// do runs one logical call with retries and records the outcome for health.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = c.once(ctx, op, method, path, body, out)
		if err == nil || !storage.IsRetryable(err) || attempt >= c.cfg.RetryAttempts {
			break
		}

		delay := c.backoff(attempt)
		c.logger.Printf("%s %s failed (attempt %d/%d), retrying in %v: %v", method, path, attempt, c.cfg.RetryAttempts, delay, err)
		if serr := c.sleep(ctx, delay); serr != nil {
			break
		}
	}
	c.record(err)
	return err
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.RetryBackoff << (attempt - 1)
	if d <= 0 || d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	return d
}

// once performs a single HTTP attempt and classifies the outcome.
func (c *Client) once(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &storage.Error{Op: op, Err: fmt.Errorf("failed to encode request: %w", err)}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return &storage.Error{Op: op, Err: fmt.Errorf("failed to build request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return &storage.Error{Op: op, Err: context.Canceled}
		}
		return &storage.Error{Op: op, Err: err, Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &storage.Error{Op: op, Err: fmt.Errorf("failed to decode response: %w", err), Status: resp.StatusCode}
		}
		return nil
	}

	return classify(op, resp)
}

func classify(op string, resp *http.Response) error {
	msg := readErrorMessage(resp.Body)
	status := resp.StatusCode

	switch {
	case status == http.StatusNotFound:
		return &storage.Error{Op: op, Err: fmt.Errorf("%w: %s", storage.ErrNotFound, msg), Status: status}
	case status == http.StatusConflict:
		return &storage.Error{Op: op, Err: fmt.Errorf("%w: %s", storage.ErrDuplicate, msg), Status: status}
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return &storage.Error{Op: op, Err: fmt.Errorf("server error: %s", msg), Status: status, Retryable: true}
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return &storage.Error{Op: op, Err: fmt.Errorf("not authorized: %s", msg), Status: status}
	default:
		return &storage.Error{Op: op, Err: fmt.Errorf("%w: %s", storage.ErrValidation, msg), Status: status}
	}
}

func readErrorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	if s := strings.TrimSpace(string(data)); s != "" {
		return s
	}
	return "no response body"
}

func todoPath(id string) string {
	return "/todos/" + url.PathEscape(id)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
