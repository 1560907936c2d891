package locks

import (
	"context"
	"sync"
)

// Memory is an in-process Locker backed by a keyed mutex.
type Memory struct {
	mu   sync.Mutex
	held map[string]*hold
}

type hold struct {
	owner    string
	released chan struct{}
}

// NewMemory creates an empty in-process locker.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]*hold)}
}

// Acquire implements Locker.
func (m *Memory) Acquire(ctx context.Context, key, owner string) error {
	for {
		m.mu.Lock()
		h, ok := m.held[key]
		if !ok {
			m.held[key] = &hold{owner: owner, released: make(chan struct{})}
			m.mu.Unlock()
			return nil
		}
		if h.owner == owner {
			m.mu.Unlock()
			return nil
		}
		wait := h.released
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release implements Locker.
func (m *Memory) Release(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.held[key]
	if !ok {
		return nil
	}
	if h.owner != owner {
		return ErrNotOwner
	}
	delete(m.held, key)
	close(h.released)
	return nil
}

// Holder returns the current owner of key, if any.
func (m *Memory) Holder(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.held[key]
	if !ok {
		return "", false
	}
	return h.owner, true
}
