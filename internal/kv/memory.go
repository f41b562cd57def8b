package kv

import (
	"context"
	"errors"
	"sync"
)

// ErrInjected is returned by Memory when a failure has been injected.
var ErrInjected = errors.New("injected storage failure")

// Memory is an in-process backend. It supports failure injection so
// callers can exercise rollback paths.
type Memory struct {
	mu         sync.Mutex
	data       map[string][]byte
	failWrites int
	failAll    bool
	writes     int
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// FailWrites makes the next n Set/Delete calls fail with ErrInjected.
func (m *Memory) FailWrites(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = n
}

// SetUnavailable makes every call fail until cleared.
func (m *Memory) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAll = down
}

// Writes returns the number of successful writes.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Raw stores value without going through failure injection. Tests use it to
// plant corrupt documents.
func (m *Memory) Raw(key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return nil, ErrInjected
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeFault(); err != nil {
		return err
	}
	m.data[key] = append([]byte(nil), value...)
	m.writes++
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeFault(); err != nil {
		return err
	}
	delete(m.data, key)
	m.writes++
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return ErrInjected
	}
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) writeFault() error {
	if m.failAll {
		return ErrInjected
	}
	if m.failWrites > 0 {
		m.failWrites--
		return ErrInjected
	}
	return nil
}
