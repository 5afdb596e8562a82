// Package presence records which minions are online.
//
// The Tracker receives connect, disconnect and heartbeat notifications from the
// stream layer, persists them to the store and optionally publishes them as
// msgpack events on a Redis list so other services can follow minion presence.
package presence
