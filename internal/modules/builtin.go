// ABOUTME: Builtin module handlers: echo on both sides of the stream and minion-info in the cloud.
// ABOUTME: Echo understands optional delay and failure instructions for testing timeouts.

package modules

import (
	"context"
	"errors"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	pb "github.com/2389/minion-gateway/proto/minion"
)

// Builtin module ids.
const (
	EchoModule       = "echo"
	MinionInfoModule = "minion-info"
)

// echoOptions extracts the fields of a Struct payload, or of a Value holding a struct.
func echoOptions(p *pb.Payload) *structpb.Struct {
	if p == nil {
		return nil
	}
	var s structpb.Struct
	if p.UnmarshalTo(&s) == nil {
		return &s
	}
	var v structpb.Value
	if p.UnmarshalTo(&v) == nil {
		return v.GetStructValue()
	}
	return nil
}

// Echo returns the request payload unchanged. When the payload is a Struct, a numeric
// "delay_ms" field delays the reply and a string "fail" field fails the request with that
// message.
func Echo() Handler {
	return HandlerFunc(func(ctx context.Context, call *Call) (*pb.Payload, error) {
		opts := echoOptions(call.Payload)
		if opts == nil {
			return call.Payload, nil
		}

		if ms := opts.GetFields()["delay_ms"].GetNumberValue(); ms > 0 {
			timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if msg := opts.GetFields()["fail"].GetStringValue(); msg != "" {
			return nil, errors.New(msg)
		}
		return call.Payload, nil
	})
}

// MinionInfo answers a minion with what the gateway knows about it and the gateway clock,
// which minions use to estimate skew before computing expirations.
func MinionInfo(serverID string, now func() time.Time) Handler {
	if now == nil {
		now = time.Now
	}
	return HandlerFunc(func(_ context.Context, call *Call) (*pb.Payload, error) {
		info, err := structpb.NewStruct(map[string]any{
			"server_id":       serverID,
			"system_id":       call.SystemID,
			"location":        call.Location,
			"gateway_time_ms": float64(now().UnixMilli()),
		})
		if err != nil {
			return nil, err
		}
		return pb.PackPayload(info)
	})
}

// BindBuiltins binds the handlers every side of the stream serves.
func BindBuiltins(r *Registry) error {
	return r.Bind(EchoModule, Echo())
}
