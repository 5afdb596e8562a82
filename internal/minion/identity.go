// ABOUTME: Minion identity and the tenant-scoped keys used to index connections.
// ABOUTME: Identities are immutable once a stream completes its handshake.

package minion

import "fmt"

// TenantKey scopes a system id or location to a tenant.
type TenantKey struct {
	TenantID string
	Key      string
}

func (k TenantKey) String() string {
	return k.TenantID + "/" + k.Key
}

// Identity names one connected minion.
type Identity struct {
	SystemID string
	TenantID string
	Location string
}

// Key returns the registry key for the minion itself.
func (i Identity) Key() TenantKey {
	return TenantKey{TenantID: i.TenantID, Key: i.SystemID}
}

// LocationKey returns the registry key for the minion's location.
func (i Identity) LocationKey() TenantKey {
	return TenantKey{TenantID: i.TenantID, Key: i.Location}
}

func (i Identity) String() string {
	return fmt.Sprintf("%s@%s/%s", i.SystemID, i.TenantID, i.Location)
}

// Target addresses a request. A SystemID selects one minion; otherwise the request goes to
// a minion at Location chosen round-robin.
type Target struct {
	TenantID string
	Location string
	SystemID string
}

func (t Target) String() string {
	if t.SystemID != "" {
		return fmt.Sprintf("system %s (tenant %s)", t.SystemID, t.TenantID)
	}
	return fmt.Sprintf("location %s (tenant %s)", t.Location, t.TenantID)
}
