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
	mu      sync.RWMutex
	minions map[string]*Minion     // keyed by "tenantID/systemID"
	sink    map[string]*SinkRecord // keyed by message ID
	closed  bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		minions: make(map[string]*Minion),
		sink:    make(map[string]*SinkRecord),
	}
}

func minionKey(tenantID, systemID string) string {
	return tenantID + "/" + systemID
}

// UpsertMinion records a minion as online.
func (m *MockStore) UpsertMinion(ctx context.Context, minion *Minion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Make a copy to avoid external modification
	c := *minion
	c.Status = StatusOnline
	c.DisconnectedAt = nil
	if c.LastSeen.IsZero() {
		c.LastSeen = c.ConnectedAt
	}
	m.minions[minionKey(c.TenantID, c.SystemID)] = &c
	return nil
}

// MarkMinionOffline records a disconnect.
func (m *MockStore) MarkMinionOffline(ctx context.Context, tenantID, systemID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	minion, ok := m.minions[minionKey(tenantID, systemID)]
	if !ok {
		return ErrNotFound
	}
	minion.Status = StatusOffline
	minion.LastSeen = at
	disconnected := at
	minion.DisconnectedAt = &disconnected
	return nil
}

// TouchMinion updates last_seen.
func (m *MockStore) TouchMinion(ctx context.Context, tenantID, systemID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	minion, ok := m.minions[minionKey(tenantID, systemID)]
	if !ok {
		return ErrNotFound
	}
	minion.LastSeen = at
	return nil
}

// GetMinion returns a copy of one minion.
func (m *MockStore) GetMinion(ctx context.Context, tenantID, systemID string) (*Minion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	minion, ok := m.minions[minionKey(tenantID, systemID)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *minion
	return &c, nil
}

// ListMinions returns matching minions ordered by tenant then system id.
func (m *MockStore) ListMinions(ctx context.Context, opts ListMinionsOptions) ([]*Minion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Minion
	for _, minion := range m.minions {
		if opts.TenantID != "" && minion.TenantID != opts.TenantID {
			continue
		}
		if opts.Location != "" && minion.Location != opts.Location {
			continue
		}
		if opts.Status != "" && minion.Status != opts.Status {
			continue
		}
		c := *minion
		out = append(out, &c)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].SystemID < out[j].SystemID
	})
	return out, nil
}

// SaveSinkMessage stores a sink message.
func (m *MockStore) SaveSinkMessage(ctx context.Context, rec *SinkRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sink[rec.MessageID]; exists {
		return ErrDuplicateMessage
	}
	c := *rec
	m.sink[rec.MessageID] = &c
	return nil
}

// ListSinkMessages returns a minion's newest sink messages first.
func (m *MockStore) ListSinkMessages(ctx context.Context, tenantID, systemID string, limit int) ([]*SinkRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var out []*SinkRecord
	for _, rec := range m.sink {
		if rec.TenantID == tenantID && rec.SystemID == systemID {
			c := *rec
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.After(out[j].ReceivedAt)
		}
		return out[i].MessageID > out[j].MessageID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Ensure MockStore implements Store
var _ Store = (*MockStore)(nil)
