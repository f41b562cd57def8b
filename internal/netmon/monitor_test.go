package netmon

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"
)

type fakeProber struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (p *fakeProber) Probe(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.err
}

func (p *fakeProber) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakeProber) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMonitor(p Prober) (*Monitor, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := New(p, Config{ProbeInterval: 30 * time.Second}, log.New(io.Discard, "", 0), WithClock(clock.Now))
	return m, clock
}

func TestCheckConnection_RateLimited(t *testing.T) {
	p := &fakeProber{}
	m, clock := newTestMonitor(p)
	ctx := context.Background()

	if !m.CheckConnection(ctx) {
		t.Fatal("CheckConnection() = false, want true")
	}
	m.CheckConnection(ctx)
	m.CheckConnection(ctx)
	if p.count() != 1 {
		t.Errorf("probes = %d, want 1 within the interval", p.count())
	}

	clock.Advance(31 * time.Second)
	m.CheckConnection(ctx)
	if p.count() != 2 {
		t.Errorf("probes = %d, want 2 after the interval", p.count())
	}
}

func TestWake_ForcesProbe(t *testing.T) {
	p := &fakeProber{}
	m, _ := newTestMonitor(p)
	ctx := context.Background()

	m.CheckConnection(ctx)
	p.fail(errors.New("connection refused"))
	if m.Wake(ctx) {
		t.Error("Wake() = true with failing probe")
	}
	if p.count() != 2 {
		t.Errorf("probes = %d, want 2", p.count())
	}
	if m.IsOnline() {
		t.Error("IsOnline() = true after failed probe")
	}
}

func TestMonitor_OneEventPerTransition(t *testing.T) {
	p := &fakeProber{}
	m, _ := newTestMonitor(p)
	ctx := context.Background()

	var onlines, offlines int
	var all []bool
	defer m.OnOnline(func() { onlines++ })()
	defer m.OnOffline(func() { offlines++ })()
	defer m.Subscribe(func(v bool) { all = append(all, v) })()

	m.Wake(ctx) // already online, no event
	p.fail(errors.New("down"))
	m.Wake(ctx)
	m.Wake(ctx)
	m.Wake(ctx)
	p.fail(nil)
	m.Wake(ctx)
	m.Wake(ctx)

	if onlines != 1 || offlines != 1 {
		t.Errorf("onlines = %d, offlines = %d, want 1 and 1", onlines, offlines)
	}
	if len(all) != 2 || all[0] || !all[1] {
		t.Errorf("events = %v, want [false true]", all)
	}
}

func TestSetLinkState(t *testing.T) {
	p := &fakeProber{}
	m, _ := newTestMonitor(p)
	ctx := context.Background()

	var events []bool
	defer m.Subscribe(func(v bool) { events = append(events, v) })()

	m.SetLinkState(ctx, false)
	if m.IsOnline() {
		t.Fatal("IsOnline() = true after link down")
	}
	if m.CheckConnection(ctx) {
		t.Error("CheckConnection() = true with link down")
	}
	if p.count() != 0 {
		t.Errorf("probes with link down = %d, want 0", p.count())
	}

	m.SetLinkState(ctx, true)
	if !m.IsOnline() {
		t.Error("IsOnline() = false after link up and successful probe")
	}
	if p.count() != 1 {
		t.Errorf("probes = %d, want 1", p.count())
	}
	if len(events) != 2 {
		t.Errorf("events = %v, want two transitions", events)
	}
}

func TestUnsubscribe(t *testing.T) {
	p := &fakeProber{}
	m, _ := newTestMonitor(p)

	calls := 0
	stop := m.Subscribe(func(bool) { calls++ })
	stop()
	stop()

	p.fail(errors.New("down"))
	m.Wake(context.Background())
	if calls != 0 {
		t.Errorf("calls after unsubscribe = %d, want 0", calls)
	}
	if m.feed.Len() != 0 {
		t.Errorf("feed.Len() = %d, want 0", m.feed.Len())
	}
}

func TestStartStop(t *testing.T) {
	p := &fakeProber{}
	m := New(p, Config{ProbeInterval: time.Hour}, log.New(io.Discard, "", 0))

	m.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for p.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	m.Stop()
	m.Stop()

	if p.count() != 1 {
		t.Errorf("probes = %d, want 1 initial probe", p.count())
	}
}
