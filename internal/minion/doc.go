// Package minion lets cloud services call into minions that sit behind NAT or firewalls.
// Minions dial the gateway and keep one bidirectional stream open; the gateway pushes
// requests down that stream and correlates the responses coming back up.
//
// # Architecture
//
// The package is built from small cooperating parts:
//
//   - Registry: live streams, indexed by tenant and system id and by tenant and location
//   - Tracker: outstanding requests by correlation id, with a per-stream index
//   - TimeoutManager: a single worker expiring requests in deadline order
//   - Manager: serves each stream, classifying frames and cleaning up on loss
//   - Dispatcher: the caller-facing Send that returns a future per request
//
// # Exactly-once resolution
//
// Four paths may try to resolve a request: its response, its timeout, the loss of its
// stream, and dispatcher shutdown. Each must first win PendingRequest.claim, an atomic
// compare-and-swap. Losers discard their result, so a late response after a timeout is
// logged and dropped.
//
// # Stream lifecycle
//
// A stream is registered unidentified when it opens. Its first frame should be a Hello; the
// tenant and location come from transport metadata and the system id from the Hello. When a
// second stream identifies as the same minion, the first is detached and closed without a
// disconnect notification. When a stream ends for any reason, every request sent over it
// fails with ErrStreamTerminated and presence is told at most once.
//
// # Thread Safety
//
// All exported types are safe for concurrent use. Frames from one stream are handled in
// arrival order on that stream's goroutine; sends to a stream are serialized.
package minion
