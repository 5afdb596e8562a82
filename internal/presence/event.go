// ABOUTME: Presence events emitted when minions connect, disconnect or send heartbeats.
// ABOUTME: Events are msgpack encoded when published to Redis.

package presence

import (
	"time"

	"github.com/2389/minion-gateway/internal/minion"
)

// Event kinds.
const (
	KindConnected    = "connected"
	KindDisconnected = "disconnected"
	KindHeartbeat    = "heartbeat"
)

// Event is one presence transition of a minion.
type Event struct {
	Kind        string `msgpack:"kind"`
	TenantID    string `msgpack:"tenant_id"`
	SystemID    string `msgpack:"system_id"`
	Location    string `msgpack:"location"`
	TimestampMs int64  `msgpack:"timestamp_ms"`
}

func newEvent(kind string, id minion.Identity, at time.Time) Event {
	return Event{
		Kind:        kind,
		TenantID:    id.TenantID,
		SystemID:    id.SystemID,
		Location:    id.Location,
		TimestampMs: at.UnixMilli(),
	}
}

// Time returns the event timestamp.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.TimestampMs).UTC()
}
