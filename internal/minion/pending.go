// ABOUTME: PendingRequest is an outstanding cloud to minion request awaiting a response.
// ABOUTME: Response, timeout, stream loss and shutdown race on claim; exactly one wins.

package minion

import (
	"sync/atomic"
	"time"

	"github.com/2389/minion-gateway/internal/future"
	"github.com/2389/minion-gateway/internal/metrics"
	pb "github.com/2389/minion-gateway/proto/minion"
)

// Response is the successful or remote-failed result of a dispatched request.
type Response struct {
	RpcID    string
	ModuleID string
	Identity Identity
	Payload  *pb.Payload
}

// PendingRequest tracks one request from dispatch until it resolves.
type PendingRequest struct {
	ID       string
	ModuleID string
	Identity Identity
	Created  time.Time
	Deadline time.Time

	token     Token
	future    *future.Future[*Response]
	processed atomic.Bool
	onFinish  func(*PendingRequest)

	// heapIndex is owned by TimeoutManager; -1 when not scheduled.
	heapIndex int
}

func newPendingRequest(id, moduleID string, identity Identity, token Token, created, deadline time.Time, exec future.Executor) *PendingRequest {
	return &PendingRequest{
		ID:        id,
		ModuleID:  moduleID,
		Identity:  identity,
		Created:   created,
		Deadline:  deadline,
		token:     token,
		future:    future.New[*Response](exec),
		heapIndex: -1,
	}
}

// Future returns the caller-facing result.
func (p *PendingRequest) Future() *future.Future[*Response] {
	return p.future
}

// Processed reports whether some path has already claimed the request.
func (p *PendingRequest) Processed() bool {
	return p.processed.Load()
}

// claim marks the request processed. Only the caller that gets true may resolve it.
func (p *PendingRequest) claim() bool {
	return p.processed.CompareAndSwap(false, true)
}

// finish resolves the future. The caller must hold the claim.
func (p *PendingRequest) finish(resp *Response, err error) {
	if p.onFinish != nil {
		p.onFinish(p)
	}
	metrics.RPCRequests.WithLabelValues(p.ModuleID, outcome(err)).Inc()
	metrics.RPCDuration.WithLabelValues(p.ModuleID).Observe(time.Since(p.Created).Seconds())
	p.future.Complete(resp, err)
}
