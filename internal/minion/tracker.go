// ABOUTME: Tracker maps request ids to pending requests and indexes them by connection.
// ABOUTME: Removal is idempotent; the connection index lets a closing stream fail its requests.

package minion

import (
	"fmt"
	"sync"

	"github.com/2389/minion-gateway/internal/metrics"
)

// Tracker holds outstanding requests.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*PendingRequest
	byConn  map[Token]map[string]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		pending: make(map[string]*PendingRequest),
		byConn:  make(map[Token]map[string]struct{}),
	}
}

// Add registers p. It fails if the id is already outstanding.
func (t *Tracker) Add(p *PendingRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.pending[p.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRequestID, p.ID)
	}
	t.pending[p.ID] = p

	ids, ok := t.byConn[p.token]
	if !ok {
		ids = make(map[string]struct{})
		t.byConn[p.token] = ids
	}
	ids[p.ID] = struct{}{}

	metrics.PendingRequests.Inc()
	return nil
}

// Lookup returns the pending request for id.
func (t *Tracker) Lookup(id string) (*PendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[id]
	return p, ok
}

// Remove deletes and returns the request for id. Removing an absent id returns false.
func (t *Tracker) Remove(id string) (*PendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[id]
	if !ok {
		return nil, false
	}
	t.removeLocked(p)
	return p, true
}

// RemoveIf deletes p only if it is still the request stored under its id. A later request
// that reused the id is left alone.
func (t *Tracker) RemoveIf(p *PendingRequest) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.pending[p.ID]; !ok || cur != p {
		return false
	}
	t.removeLocked(p)
	return true
}

// RemoveByConnection deletes and returns every request sent over the connection.
func (t *Tracker) RemoveByConnection(token Token) []*PendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := t.byConn[token]
	out := make([]*PendingRequest, 0, len(ids))
	for id := range ids {
		if p, ok := t.pending[id]; ok {
			out = append(out, p)
		}
	}
	for _, p := range out {
		t.removeLocked(p)
	}
	delete(t.byConn, token)
	return out
}

// Clear deletes and returns every outstanding request.
func (t *Tracker) Clear() []*PendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*PendingRequest, 0, len(t.pending))
	for _, p := range t.pending {
		out = append(out, p)
	}
	metrics.PendingRequests.Sub(float64(len(t.pending)))
	t.pending = make(map[string]*PendingRequest)
	t.byConn = make(map[Token]map[string]struct{})
	return out
}

// Len returns the number of outstanding requests.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Tracker) removeLocked(p *PendingRequest) {
	delete(t.pending, p.ID)
	if ids, ok := t.byConn[p.token]; ok {
		delete(ids, p.ID)
		if len(ids) == 0 {
			delete(t.byConn, p.token)
		}
	}
	metrics.PendingRequests.Dec()
}
