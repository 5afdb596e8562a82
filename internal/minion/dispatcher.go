// ABOUTME: Dispatcher sends cloud-originated requests to minions and returns futures for the replies.
// ABOUTME: Every future resolves exactly once: response, timeout, stream loss, or shutdown.

package minion

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/minion-gateway/internal/future"
	"github.com/2389/minion-gateway/internal/metrics"
	pb "github.com/2389/minion-gateway/proto/minion"
)

// DefaultTimeout applies when neither the request nor the config sets one.
const DefaultTimeout = 30 * time.Second

// Request is a cloud to minion RPC.
type Request struct {
	Target
	ModuleID string
	Payload  *pb.Payload
	// Timeout overrides the dispatcher default when positive.
	Timeout time.Duration
	// ID is used as the correlation id when set; otherwise one is generated.
	ID string
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Registry       *Registry
	Tracker        *Tracker
	DefaultTimeout time.Duration
	// MaxPending caps outstanding requests; zero means unlimited.
	MaxPending int
	// Executor runs response callbacks. Nil runs them on the resolving goroutine. If it
	// reports Saturated, new requests are rejected with ErrBackpressure.
	Executor future.Executor
	Logger   *slog.Logger
}

type saturation interface {
	Saturated() bool
}

// Dispatcher is the caller-facing side of the gateway.
type Dispatcher struct {
	registry       *Registry
	tracker        *Tracker
	timeouts       *TimeoutManager
	defaultTimeout time.Duration
	maxPending     int
	exec           future.Executor
	logger         *slog.Logger
	closed         atomic.Bool
}

// NewDispatcher creates a dispatcher and starts its timeout worker.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	d := &Dispatcher{
		registry:       cfg.Registry,
		tracker:        cfg.Tracker,
		defaultTimeout: timeout,
		maxPending:     cfg.MaxPending,
		exec:           cfg.Executor,
		logger:         logger,
	}
	d.timeouts = NewTimeoutManager(d.expire, logger.With("component", "timeouts"))
	d.timeouts.Start()
	return d
}

// Send dispatches req and returns a future for the reply. It never blocks on the network
// beyond the single frame write. A deadline on ctx shortens the request timeout.
func (d *Dispatcher) Send(ctx context.Context, req Request) *future.Future[*Response] {
	if d.closed.Load() {
		return future.Failed[*Response](ErrShutdown)
	}
	if req.ModuleID == "" {
		return future.Failed[*Response](fmt.Errorf("%w: module id is required", ErrInvalidRequest))
	}
	if req.TenantID == "" {
		return future.Failed[*Response](fmt.Errorf("%w: tenant id is required", ErrInvalidRequest))
	}

	// Resolve the target first so unreachable minions fail without touching the tracker.
	conn, ok := d.resolve(req.Target)
	if !ok {
		return d.reject(req.ModuleID, fmt.Errorf("%w: %s", ErrTargetUnreachable, req.Target))
	}
	identity, _ := conn.Identity()

	if d.maxPending > 0 && d.tracker.Len() >= d.maxPending {
		return d.reject(req.ModuleID, fmt.Errorf("%w: %d requests outstanding", ErrBackpressure, d.maxPending))
	}
	if s, ok := d.exec.(saturation); ok && s.Saturated() {
		return d.reject(req.ModuleID, fmt.Errorf("%w: completion workers saturated", ErrBackpressure))
	}

	now := time.Now()
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	deadline := now.Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	p := newPendingRequest(id, req.ModuleID, identity, conn.token, now, deadline, d.exec)
	p.onFinish = d.timeouts.Cancel
	if err := d.tracker.Add(p); err != nil {
		return future.Failed[*Response](err)
	}
	d.timeouts.Register(p)

	// Shutdown sets closed before clearing the tracker, so a request added after the clear
	// observes closed here and fails itself.
	if d.closed.Load() {
		d.fail(p, ErrShutdown)
		return p.future
	}

	frame := &pb.GatewayFrame{
		Request: &pb.RpcRequest{
			RpcId:          id,
			SystemId:       identity.SystemID,
			Location:       identity.Location,
			ModuleId:       req.ModuleID,
			ExpirationTime: deadline.UnixMilli(),
			Payload:        req.Payload,
		},
	}
	if err := conn.Send(frame); err != nil {
		d.logger.Warn("sending request to minion",
			"error", err,
			"rpc_id", id,
			"minion", identity.String(),
		)
		d.fail(p, err)
		return p.future
	}

	d.logger.Debug("request dispatched",
		"rpc_id", id,
		"module_id", req.ModuleID,
		"minion", identity.String(),
		"timeout", deadline.Sub(now),
	)
	return p.future
}

// Call sends req and waits for the reply or ctx.
func (d *Dispatcher) Call(ctx context.Context, req Request) (*Response, error) {
	return d.Send(ctx, req).Wait(ctx)
}

// Pending returns the number of outstanding requests.
func (d *Dispatcher) Pending() int {
	return d.tracker.Len()
}

// Shutdown stops the timeout worker and fails every outstanding request with ErrShutdown.
// Later calls to Send fail immediately.
func (d *Dispatcher) Shutdown() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	d.timeouts.Stop()

	failed := 0
	for _, p := range d.tracker.Clear() {
		if p.claim() {
			p.finish(nil, ErrShutdown)
			failed++
		}
	}
	d.logger.Info("dispatcher shut down", "failed_requests", failed)
}

func (d *Dispatcher) resolve(t Target) (*Connection, bool) {
	switch {
	case t.SystemID != "":
		return d.registry.Lookup(TenantKey{TenantID: t.TenantID, Key: t.SystemID})
	case t.Location != "":
		return d.registry.LookupByLocation(TenantKey{TenantID: t.TenantID, Key: t.Location})
	default:
		return nil, false
	}
}

// reject fails a request that never reached the tracker.
func (d *Dispatcher) reject(moduleID string, err error) *future.Future[*Response] {
	metrics.RPCRequests.WithLabelValues(moduleID, outcome(err)).Inc()
	return future.Failed[*Response](err)
}

func (d *Dispatcher) expire(p *PendingRequest) {
	if !p.claim() {
		return
	}
	d.tracker.RemoveIf(p)
	d.logger.Debug("request timed out",
		"rpc_id", p.ID,
		"module_id", p.ModuleID,
		"minion", p.Identity.String(),
	)
	p.finish(nil, fmt.Errorf("%w after %s", ErrTimeout, p.Deadline.Sub(p.Created).Round(time.Millisecond)))
}

func (d *Dispatcher) fail(p *PendingRequest, err error) {
	if !p.claim() {
		return
	}
	d.tracker.RemoveIf(p)
	p.finish(nil, err)
}
