// ABOUTME: Store interface and data types for minion-gateway persistence
// ABOUTME: Defines Minion presence records and stored sink messages

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateMessage is returned when a sink message id was already stored
var ErrDuplicateMessage = errors.New("sink message already stored")

// Minion status values
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Minion is the last known presence of one minion
type Minion struct {
	TenantID       string
	SystemID       string
	Location       string
	Status         string // "online" or "offline"
	ConnectedAt    time.Time
	LastSeen       time.Time
	DisconnectedAt *time.Time
}

// SinkRecord is a sink message kept for later inspection (task results and similar)
type SinkRecord struct {
	MessageID  string
	TenantID   string
	SystemID   string
	ModuleID   string
	Content    []byte
	ReceivedAt time.Time
}

// ListMinionsOptions filters ListMinions. Empty fields match everything.
type ListMinionsOptions struct {
	TenantID string
	Location string
	Status   string
}

// Store persists minion presence and sink messages
type Store interface {
	// UpsertMinion records a minion as online, creating it if needed
	UpsertMinion(ctx context.Context, m *Minion) error

	// MarkMinionOffline records a disconnect. Returns ErrNotFound for unknown minions.
	MarkMinionOffline(ctx context.Context, tenantID, systemID string, at time.Time) error

	// TouchMinion updates last_seen. Returns ErrNotFound for unknown minions.
	TouchMinion(ctx context.Context, tenantID, systemID string, at time.Time) error

	// GetMinion returns one minion or ErrNotFound
	GetMinion(ctx context.Context, tenantID, systemID string) (*Minion, error)

	// ListMinions returns minions ordered by tenant then system id
	ListMinions(ctx context.Context, opts ListMinionsOptions) ([]*Minion, error)

	// SaveSinkMessage stores a sink message. Returns ErrDuplicateMessage on id reuse.
	SaveSinkMessage(ctx context.Context, rec *SinkRecord) error

	// ListSinkMessages returns the newest messages of a minion first, at most limit
	ListSinkMessages(ctx context.Context, tenantID, systemID string, limit int) ([]*SinkRecord, error)

	// Close releases resources
	Close() error
}
