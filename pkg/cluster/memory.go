package cluster

import (
	"context"
	"sync"
)

// Memory is a single-process StateMap, the default backend. It has no
// remote servers by construction, so GetAllRemoteServers always returns
// nothing — ListenerRegistry degrades to purely local assignment.
type Memory struct {
	serverName string

	mu      sync.Mutex
	entries map[string]Provider
	watchers map[int]WatchFunc
	nextID  int
}

// NewMemory creates a Memory StateMap identifying itself as serverName.
func NewMemory(serverName string) *Memory {
	return &Memory{
		serverName: serverName,
		entries:    make(map[string]Provider),
		watchers:   make(map[int]WatchFunc),
	}
}

func (m *Memory) Get(_ context.Context, name string) (Provider, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.entries[name]
	return p, ok, nil
}

func (m *Memory) Upsert(_ context.Context, name string, fn MutateFunc) (Provider, Provider, error) {
	m.mu.Lock()
	prev, exists := m.entries[name]
	next, ok := fn(prev, exists)
	if !ok {
		m.mu.Unlock()
		return prev, prev, nil
	}
	m.entries[name] = next
	watchers := make([]WatchFunc, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.Unlock()

	for _, w := range watchers {
		w(name, prev, next)
	}
	return next, prev, nil
}

func (m *Memory) Watch(fn WatchFunc) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}
}

// GetAllRemoteServers always returns nothing: a Memory StateMap only ever
// knows about the single local process.
func (m *Memory) GetAllRemoteServers() []string { return nil }

func (m *Memory) Close() error { return nil }
