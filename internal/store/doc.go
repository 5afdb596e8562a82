// Package store persists minion presence and sink messages using SQLite.
//
// # Data Models
//
//   - Minion: last known presence of a minion, keyed by tenant and system id
//   - SinkRecord: a fire-and-forget message kept for later inspection
//
// A minion row is created on first connect and kept across disconnects;
// reconnecting flips it back online and clears DisconnectedAt.
//
// # SQLite Configuration
//
// The store uses modernc.org/sqlite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// Timestamps are stored as fixed-width UTC text so they sort lexically.
//
// # Error Handling
//
//   - ErrNotFound: requested minion does not exist
//   - ErrDuplicateMessage: sink message id was already stored
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests that do not need SQLite.
package store
