// ABOUTME: Error kinds surfaced to callers of the dispatcher.
// ABOUTME: Remote failures travel as data and are mapped back onto the same sentinels.

package minion

import (
	"errors"

	"github.com/2389/minion-gateway/internal/metrics"
	pb "github.com/2389/minion-gateway/proto/minion"
)

var (
	// ErrTargetUnreachable means no live stream exists for the target.
	ErrTargetUnreachable = errors.New("target unreachable")

	// ErrTimeout means the deadline passed before a response arrived. The outcome on the
	// minion is unknown.
	ErrTimeout = errors.New("request timed out")

	// ErrUnknownModule means the minion has no handler bound for the module.
	ErrUnknownModule = errors.New("unknown module")

	// ErrHandlerExecution means the remote handler ran and failed.
	ErrHandlerExecution = errors.New("handler execution failed")

	// ErrStreamTerminated means the stream closed while the request was outstanding.
	ErrStreamTerminated = errors.New("stream terminated")

	// ErrBackpressure means the gateway or the minion refused new work.
	ErrBackpressure = errors.New("backpressure: too much outstanding work")

	// ErrShutdown means the dispatcher was shut down.
	ErrShutdown = errors.New("gateway shutting down")

	// ErrInvalidRequest means the request was rejected before dispatch.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrDuplicateRequestID means the caller supplied an id that is still outstanding.
	ErrDuplicateRequestID = errors.New("duplicate request ID")
)

// RemoteError is an application error reported by the other side of the stream.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "remote: " + e.Kind
	}
	return "remote: " + e.Kind + ": " + e.Message
}

// Unwrap maps the wire kind onto the local sentinel so callers can use errors.Is.
func (e *RemoteError) Unwrap() error {
	switch e.Kind {
	case pb.ErrorKindUnknownModule:
		return ErrUnknownModule
	case pb.ErrorKindHandlerFailure:
		return ErrHandlerExecution
	case pb.ErrorKindExpired:
		return ErrTimeout
	case pb.ErrorKindBackpressure:
		return ErrBackpressure
	case pb.ErrorKindInvalidRequest:
		return ErrInvalidRequest
	default:
		return ErrHandlerExecution
	}
}

func remoteErrorFromWire(e *pb.RpcError) error {
	if e == nil {
		return nil
	}
	return &RemoteError{Kind: e.Kind, Message: e.Message}
}

// IsRetryable reports whether retrying err may succeed. Timeouts are included but callers
// must only retry idempotent operations after one.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrTargetUnreachable),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrStreamTerminated),
		errors.Is(err, ErrBackpressure):
		return true
	default:
		return false
	}
}

// outcome returns the metrics label for a resolved request.
func outcome(err error) string {
	var remote *RemoteError
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.As(err, &remote):
		return metrics.OutcomeRemoteError
	case errors.Is(err, ErrTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, ErrTargetUnreachable):
		return metrics.OutcomeUnreachable
	case errors.Is(err, ErrStreamTerminated):
		return metrics.OutcomeStreamTerminated
	case errors.Is(err, ErrShutdown):
		return metrics.OutcomeShutdown
	case errors.Is(err, ErrBackpressure):
		return metrics.OutcomeBackpressure
	default:
		return "error"
	}
}
