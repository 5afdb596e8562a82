// ABOUTME: Connection wraps one minion's bidirectional stream on the gateway side.
// ABOUTME: Sends are serialized and refused once the stream has closed.

package minion

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	pb "github.com/2389/minion-gateway/proto/minion"
)

// Stream is the gateway side of a minion's RPC stream.
type Stream interface {
	Send(*pb.GatewayFrame) error
	Recv() (*pb.MinionFrame, error)
	Context() context.Context
}

// Origin carries what the transport established about a stream before any frame arrived.
type Origin struct {
	TenantID string
	Location string
	Peer     string
}

// Connection is a live minion stream.
type Connection struct {
	token     Token
	stream    Stream
	origin    Origin
	createdAt time.Time
	identity  atomic.Pointer[Identity]
	logger    *slog.Logger

	sendMu sync.Mutex
	closed bool

	closing   chan struct{}
	closeOnce sync.Once
	notified  atomic.Bool
}

func newConnection(stream Stream, origin Origin, logger *slog.Logger) *Connection {
	return &Connection{
		stream:    stream,
		origin:    origin,
		createdAt: time.Now(),
		logger:    logger,
		closing:   make(chan struct{}),
	}
}

// Token returns the registry token.
func (c *Connection) Token() Token {
	return c.token
}

// Identity returns the identity established by the handshake.
func (c *Connection) Identity() (Identity, bool) {
	id := c.identity.Load()
	if id == nil {
		return Identity{}, false
	}
	return *id, true
}

// Origin returns the transport-level metadata of the stream.
func (c *Connection) Origin() Origin {
	return c.origin
}

// Send writes one frame. Concurrent callers are serialized.
func (c *Connection) Send(frame *pb.GatewayFrame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return ErrStreamTerminated
	}
	if err := c.stream.Send(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrStreamTerminated, err)
	}
	return nil
}

// Close asks the serving goroutine to end the stream.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closing)
	})
}

// markClosed refuses further sends. It reports whether this call made the transition.
func (c *Connection) markClosed() bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return false
	}
	c.closed = true
	return true
}
