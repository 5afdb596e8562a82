// ABOUTME: Handler abstraction for module implementations and a typed adapter over proto messages.
// ABOUTME: Handlers see a Call describing the request and return a packed payload.

package modules

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"

	pb "github.com/2389/minion-gateway/proto/minion"
)

// Call is one request as seen by a handler.
type Call struct {
	RpcID    string
	SystemID string
	Location string
	ModuleID string
	Payload  *pb.Payload
	// Deadline is zero when the request carries no expiration.
	Deadline time.Time
}

// Handler executes requests for one module.
type Handler interface {
	Execute(ctx context.Context, call *Call) (*pb.Payload, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call *Call) (*pb.Payload, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, call *Call) (*pb.Payload, error) {
	return f(ctx, call)
}

// Typed builds a handler that unpacks the payload into a fresh Req, runs fn and packs the
// result. A missing payload leaves Req at its zero value.
func Typed[Req, Resp proto.Message](newReq func() Req, fn func(ctx context.Context, req Req) (Resp, error)) Handler {
	return HandlerFunc(func(ctx context.Context, call *Call) (*pb.Payload, error) {
		req := newReq()
		if call.Payload != nil {
			if err := call.Payload.UnmarshalTo(req); err != nil {
				return nil, fmt.Errorf("decoding %s payload: %w", call.ModuleID, err)
			}
		}

		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		return pb.PackPayload(resp)
	})
}
