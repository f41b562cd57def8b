// Package netmon tracks whether the todo server can actually be reached.
//
// Link state (is there a network at all) is reported by the host through
// SetLinkState. Reachability is decided by an active probe against the
// server, rate-limited to one probe per ProbeInterval. Wake forces a probe
// regardless of the limit, for callers that know the world may have changed
// (resume from sleep, terminal regained focus).
//
// Subscribers see exactly one event per direction change.
package netmon

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mschirtzinger/todosync/internal/events"
)

// Prober performs one reachability check. remote.Client satisfies it.
type Prober interface {
	Probe(ctx context.Context) error
}

// Config holds monitor settings.
type Config struct {
	// ProbeInterval is the minimum spacing between probes, and the period of
	// the background loop.
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration
}

// DefaultConfig returns the default monitor settings.
func DefaultConfig() Config {
	return Config{
		ProbeInterval: 30 * time.Second,
		ProbeTimeout:  5 * time.Second,
	}
}

// Monitor is the connectivity monitor.
type Monitor struct {
	prober Prober
	cfg    Config
	logger *log.Logger
	now    func() time.Time

	mu        sync.Mutex
	link      bool
	online    bool
	lastProbe time.Time
	probing   chan struct{} // closed when the in-flight probe finishes

	feed events.Feed[bool]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source used for rate limiting.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// New creates a Monitor. It starts optimistic: link up and online, until a
// probe says otherwise.
//
// If logger is nil, a default logger writing to stderr is used.
func New(prober Prober, cfg Config, logger *log.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = log.New(os.Stderr, "[netmon] ", log.LstdFlags)
	}
	defaults := DefaultConfig()
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaults.ProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaults.ProbeTimeout
	}

	m := &Monitor{
		prober: prober,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		link:   true,
		online: true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsOnline reports the last known state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn for every transition. The returned function removes
// the subscription.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	return m.feed.Subscribe(fn)
}

// OnOnline registers cb for offline-to-online transitions.
func (m *Monitor) OnOnline(cb func()) func() {
	return m.feed.Subscribe(func(online bool) {
		if online {
			cb()
		}
	})
}

// OnOffline registers cb for online-to-offline transitions.
func (m *Monitor) OnOffline(cb func()) func() {
	return m.feed.Subscribe(func(online bool) {
		if !online {
			cb()
		}
	})
}

// CheckConnection returns the current state, probing the server if the
// last probe is older than ProbeInterval.
func (m *Monitor) CheckConnection(ctx context.Context) bool {
	return m.check(ctx, false)
}

// Wake forces an immediate probe.
func (m *Monitor) Wake(ctx context.Context) bool {
	return m.check(ctx, true)
}

// SetLinkState records a link-layer change reported by the host. Losing the
// link takes the monitor offline without probing; regaining it triggers a
// probe, since a link alone does not prove the server is reachable.
func (m *Monitor) SetLinkState(ctx context.Context, up bool) {
	m.mu.Lock()
	changed := m.link != up
	m.link = up
	m.mu.Unlock()

	if !changed {
		return
	}
	if !up {
		m.logger.Printf("Link down")
		m.set(false)
		return
	}
	m.logger.Printf("Link up, probing server")
	m.check(ctx, true)
}

// Start launches the periodic probe loop. It returns immediately.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop ends the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	m.check(ctx, true)

	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx, false)
		}
	}
}

func (m *Monitor) check(ctx context.Context, force bool) bool {
	m.mu.Lock()
	if !m.link {
		m.mu.Unlock()
		return false
	}
	if !force && !m.lastProbe.IsZero() && m.now().Sub(m.lastProbe) < m.cfg.ProbeInterval {
		online := m.online
		m.mu.Unlock()
		return online
	}
	if wait := m.probing; wait != nil {
		// join the probe already in flight instead of starting another
		m.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
		}
		return m.IsOnline()
	}
	done := make(chan struct{})
	m.probing = done
	m.lastProbe = m.now()
	m.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := m.prober.Probe(pctx)
	cancel()

	m.mu.Lock()
	m.probing = nil
	m.mu.Unlock()
	close(done)

	if ctx.Err() != nil {
		return m.IsOnline()
	}
	if err != nil {
		m.logger.Printf("Probe failed: %v", err)
	}
	m.set(err == nil)
	return err == nil
}

func (m *Monitor) set(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if !changed {
		return
	}
	if online {
		m.logger.Printf("Connection restored")
	} else {
		m.logger.Printf("Connection lost")
	}
	m.feed.Publish(online)
}
