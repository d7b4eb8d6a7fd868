// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu     sync.RWMutex
	state  map[string][]byte // keyed by session ID
	events []*Event
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		state: make(map[string][]byte),
	}
}

// SaveSessionState stores a copy of state.
func (m *MockStore) SaveSessionState(_ context.Context, sessionID string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[sessionID] = append([]byte(nil), state...)
	return nil
}

// GetSessionState returns ErrNotFound when nothing is stored.
func (m *MockStore) GetSessionState(_ context.Context, sessionID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.state[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), state...), nil
}

// DeleteSessionState forgets a session's state.
func (m *MockStore) DeleteSessionState(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.state, sessionID)
	return nil
}

// SaveEvent appends an event.
func (m *MockStore) SaveEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event.ID == "" {
		event.ID = NewEventID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	e := *event
	m.events = append(m.events, &e)
	return nil
}

// ListEvents applies filter over the stored events.
func (m *MockStore) ListEvents(_ context.Context, filter EventFilter) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for _, e := range m.events {
		if filter.SessionID != "" && e.SessionID != filter.SessionID {
			continue
		}
		if filter.OrgID != "" && e.OrgID != filter.OrgID {
			continue
		}
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if filter.AfterID != "" && e.ID <= filter.AfterID {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if limit := clampLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
