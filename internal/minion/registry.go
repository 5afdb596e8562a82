// ABOUTME: Registry tracks live minion streams and indexes identified ones by system and location.
// ABOUTME: A newer stream for the same minion replaces the older one, which is detached and closed.

package minion

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Token identifies one stream for its lifetime in the registry.
type Token uint64

var (
	// ErrUnknownConnection is returned when identifying a token the registry does not hold.
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrAlreadyIdentified is returned when a stream sends a second handshake.
	ErrAlreadyIdentified = errors.New("connection already identified")
)

// ConnectionInfo is a point-in-time view of a registered stream.
type ConnectionInfo struct {
	Token       Token
	Identity    Identity
	ConnectedAt time.Time
}

type registryEntry struct {
	conn     *Connection
	identity *Identity
}

// Registry holds every stream between connect and close.
type Registry struct {
	mu         sync.Mutex
	next       Token
	conns      map[Token]*registryEntry
	byMinion   map[TenantKey]Token
	byLocation map[TenantKey][]Token
	cursor     map[TenantKey]int
	logger     *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		conns:      make(map[Token]*registryEntry),
		byMinion:   make(map[TenantKey]Token),
		byLocation: make(map[TenantKey][]Token),
		cursor:     make(map[TenantKey]int),
		logger:     logger,
	}
}

// Register adds an unidentified stream and assigns its token.
func (r *Registry) Register(conn *Connection) Token {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	token := r.next
	conn.token = token
	r.conns[token] = &registryEntry{conn: conn}
	return token
}

// Identify binds identity to the stream. If another stream already serves the same minion
// it is detached from the registry and returned so the caller can close it.
func (r *Registry) Identify(token Token, identity Identity) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[token]
	if !ok {
		return nil, ErrUnknownConnection
	}
	if entry.identity != nil {
		return nil, ErrAlreadyIdentified
	}

	var replaced *Connection
	key := identity.Key()
	if old, exists := r.byMinion[key]; exists && old != token {
		oldEntry := r.conns[old]
		r.unindexLocked(old, oldEntry)
		delete(r.conns, old)
		replaced = oldEntry.conn
		r.logger.Info("replacing existing stream for minion",
			"minion", identity.String(),
			"old_token", old,
			"new_token", token,
		)
	}

	id := identity
	entry.identity = &id
	r.byMinion[key] = token
	lk := identity.LocationKey()
	r.byLocation[lk] = append(r.byLocation[lk], token)
	return replaced, nil
}

// Lookup returns the stream serving the minion.
func (r *Registry) Lookup(key TenantKey) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.byMinion[key]
	if !ok {
		return nil, false
	}
	return r.conns[token].conn, true
}

// LookupByLocation returns a stream at the location, rotating across minions that share it.
func (r *Registry) LookupByLocation(key TenantKey) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tokens := r.byLocation[key]
	if len(tokens) == 0 {
		return nil, false
	}
	i := r.cursor[key] % len(tokens)
	r.cursor[key] = i + 1
	return r.conns[tokens[i]].conn, true
}

// Remove drops the stream. It returns the identity that was removed, or false if the stream
// was unknown, never identified, or already replaced.
func (r *Registry) Remove(token Token) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[token]
	if !ok {
		return Identity{}, false
	}
	delete(r.conns, token)
	if entry.identity == nil {
		return Identity{}, false
	}
	r.unindexLocked(token, entry)
	return *entry.identity, true
}

// List returns identified streams ordered by tenant then system id.
func (r *Registry) List() []ConnectionInfo {
	r.mu.Lock()
	out := make([]ConnectionInfo, 0, len(r.byMinion))
	for token, entry := range r.conns {
		if entry.identity == nil {
			continue
		}
		out = append(out, ConnectionInfo{
			Token:       token,
			Identity:    *entry.identity,
			ConnectedAt: entry.conn.createdAt,
		})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Identity.TenantID != out[j].Identity.TenantID {
			return out[i].Identity.TenantID < out[j].Identity.TenantID
		}
		return out[i].Identity.SystemID < out[j].Identity.SystemID
	})
	return out
}

// Connections returns every registered stream, identified or not.
func (r *Registry) Connections() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Connection, 0, len(r.conns))
	for _, entry := range r.conns {
		out = append(out, entry.conn)
	}
	return out
}

// Clear forgets every stream and returns the identities that were registered.
func (r *Registry) Clear() []Identity {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Identity, 0, len(r.byMinion))
	for _, entry := range r.conns {
		if entry.identity != nil {
			out = append(out, *entry.identity)
		}
	}
	r.conns = make(map[Token]*registryEntry)
	r.byMinion = make(map[TenantKey]Token)
	r.byLocation = make(map[TenantKey][]Token)
	r.cursor = make(map[TenantKey]int)
	return out
}

// Count returns the number of identified streams.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byMinion)
}

func (r *Registry) unindexLocked(token Token, entry *registryEntry) {
	if entry.identity == nil {
		return
	}
	key := entry.identity.Key()
	if r.byMinion[key] == token {
		delete(r.byMinion, key)
	}

	lk := entry.identity.LocationKey()
	tokens := r.byLocation[lk]
	for i, t := range tokens {
		if t == token {
			tokens = append(tokens[:i:i], tokens[i+1:]...)
			break
		}
	}
	if len(tokens) == 0 {
		delete(r.byLocation, lk)
		delete(r.cursor, lk)
	} else {
		r.byLocation[lk] = tokens
	}
}
