// ABOUTME: Manager runs the gateway side of each minion stream from connect to close.
// ABOUTME: It classifies inbound frames, resolves responses and fails outstanding work on loss.

package minion

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/2389/minion-gateway/internal/future"
	"github.com/2389/minion-gateway/internal/metrics"
	pb "github.com/2389/minion-gateway/proto/minion"
)

// PresenceNotifier is told when a minion becomes reachable and when it goes away.
type PresenceNotifier interface {
	MinionConnected(identity Identity)
	MinionDisconnected(identity Identity)
}

// CloudHandler serves requests a minion sends to the cloud.
type CloudHandler interface {
	Handle(ctx context.Context, req *pb.RpcRequest) *future.Future[*pb.RpcResponse]
}

// SinkHandler receives one-way messages from minions.
type SinkHandler interface {
	Dispatch(identity Identity, msg *pb.SinkMessage)
}

// ManagerConfig wires a Manager. Presence, Cloud and Sink are optional.
type ManagerConfig struct {
	Registry *Registry
	Tracker  *Tracker
	Presence PresenceNotifier
	Cloud    CloudHandler
	Sink     SinkHandler
	Logger   *slog.Logger
}

// Manager serves minion streams.
type Manager struct {
	registry *Registry
	tracker  *Tracker
	presence PresenceNotifier
	cloud    CloudHandler
	sink     SinkHandler
	logger   *slog.Logger
}

// NewManager creates a manager from cfg.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry: cfg.Registry,
		tracker:  cfg.Tracker,
		presence: cfg.Presence,
		cloud:    cfg.Cloud,
		sink:     cfg.Sink,
		logger:   logger,
	}
}

type recvResult struct {
	frame *pb.MinionFrame
	err   error
}

// Serve runs one stream until the minion disconnects, the stream fails, or the connection
// is closed by the gateway. It returns a gRPC status error for abnormal termination.
func (m *Manager) Serve(stream Stream, origin Origin) error {
	ctx := stream.Context()
	logger := m.logger.With("peer", origin.Peer, "tenant_id", origin.TenantID)

	conn := newConnection(stream, origin, logger)
	m.registry.Register(conn)
	logger.Debug("minion stream opened", "token", conn.token)

	// Recv blocks, so it runs on its own goroutine; frames are still handled in order here.
	frames := make(chan recvResult)
	go func() {
		for {
			frame, err := stream.Recv()
			select {
			case frames <- recvResult{frame: frame, err: err}:
			case <-ctx.Done():
				return
			case <-conn.closing:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var streamErr error
loop:
	for {
		select {
		case <-conn.closing:
			logger.Info("minion stream closed by gateway", "token", conn.token)
			break loop

		case <-ctx.Done():
			logger.Info("minion stream context done", "token", conn.token)
			break loop

		case r := <-frames:
			if r.err != nil {
				if errors.Is(r.err, io.EOF) || status.Code(r.err) == codes.Canceled || errors.Is(r.err, context.Canceled) {
					logger.Info("minion disconnected", "token", conn.token)
				} else {
					logger.Error("receiving frame", "error", r.err, "token", conn.token)
					streamErr = r.err
				}
				break loop
			}
			m.handleFrame(ctx, conn, r.frame)
		}
	}

	m.terminate(conn, streamErr)
	if streamErr != nil {
		return status.Errorf(codes.Internal, "receiving frame: %v", streamErr)
	}
	return nil
}

// CloseAll asks every live stream to end. Used at shutdown so Serve calls return.
func (m *Manager) CloseAll() {
	for _, conn := range m.registry.Connections() {
		conn.Close()
	}
}

func (m *Manager) handleFrame(ctx context.Context, conn *Connection, frame *pb.MinionFrame) {
	if frame != nil && frame.DecodeErr() != nil {
		m.drop(conn, "decode", frame.DecodeErr().Error())
		return
	}
	if frame == nil || frame.Kinds() != 1 {
		m.drop(conn, "malformed", "frame must carry exactly one payload")
		return
	}

	if frame.Hello != nil {
		m.handleHello(conn, frame.Hello)
		return
	}

	identity, ok := conn.Identity()
	if !ok {
		m.drop(conn, "unidentified", "frame received before hello")
		return
	}

	switch {
	case frame.Response != nil && frame.Response.RpcId == "",
		frame.Request != nil && frame.Request.RpcId == "":
		m.drop(conn, "missing_rpc_id", "rpc frame without id")
	case frame.Response != nil:
		m.handleResponse(conn, identity, frame.Response)
	case frame.Request != nil:
		m.handleCloudRequest(ctx, conn, identity, frame.Request)
	case frame.Sink != nil:
		m.handleSink(conn, identity, frame.Sink)
	}
}

func (m *Manager) handleHello(conn *Connection, hello *pb.Hello) {
	if _, ok := conn.Identity(); ok {
		m.drop(conn, "duplicate_hello", "stream already identified")
		return
	}
	if hello.SystemId == "" {
		m.drop(conn, "invalid_hello", "hello without system id")
		return
	}

	// Transport metadata is authoritative; the hello only fills what it left empty.
	identity := Identity{
		SystemID: hello.SystemId,
		TenantID: conn.origin.TenantID,
		Location: conn.origin.Location,
	}
	if identity.Location == "" {
		identity.Location = hello.Location
	}

	replaced, err := m.registry.Identify(conn.token, identity)
	if err != nil {
		m.drop(conn, "invalid_hello", err.Error())
		return
	}
	conn.identity.Store(&identity)

	if replaced != nil {
		// The old stream was detached without a removal, so presence stays connected.
		replaced.notified.Store(true)
		replaced.Close()
	} else {
		metrics.ConnectedMinions.Inc()
		if m.presence != nil {
			m.presence.MinionConnected(identity)
		}
	}

	conn.logger.Info("minion connected",
		"system_id", identity.SystemID,
		"location", identity.Location,
		"version", hello.Version,
		"token", conn.token,
	)
}

func (m *Manager) handleResponse(conn *Connection, identity Identity, resp *pb.RpcResponse) {
	p, ok := m.tracker.Lookup(resp.RpcId)
	if !ok || p.token != conn.token {
		m.drop(conn, "late_response", "no outstanding request "+resp.RpcId)
		return
	}
	m.tracker.RemoveIf(p)
	if !p.claim() {
		m.drop(conn, "late_response", "request already resolved "+resp.RpcId)
		return
	}

	out := &Response{
		RpcID:    resp.RpcId,
		ModuleID: p.ModuleID,
		Identity: identity,
		Payload:  resp.Payload,
	}
	p.finish(out, remoteErrorFromWire(resp.Error))
}

func (m *Manager) handleCloudRequest(ctx context.Context, conn *Connection, identity Identity, req *pb.RpcRequest) {
	reply := func(resp *pb.RpcResponse) {
		resp.RpcId = req.RpcId
		resp.SystemId = identity.SystemID
		resp.Location = identity.Location
		resp.ModuleId = req.ModuleId
		if err := conn.Send(&pb.GatewayFrame{Response: resp}); err != nil {
			conn.logger.Warn("sending cloud response", "error", err, "rpc_id", req.RpcId)
		}
	}

	if m.cloud == nil {
		reply(&pb.RpcResponse{Error: &pb.RpcError{Kind: pb.ErrorKindUnknownModule, Message: "no cloud handlers"}})
		return
	}

	// The minion is the caller here; its system id is taken from the stream, not the frame.
	req.SystemId = identity.SystemID
	if req.Location == "" {
		req.Location = identity.Location
	}

	m.cloud.Handle(ctx, req).Then(func(resp *pb.RpcResponse, err error) {
		if err != nil {
			resp = &pb.RpcResponse{Error: &pb.RpcError{Kind: pb.ErrorKindHandlerFailure, Message: err.Error()}}
		} else if resp == nil {
			resp = &pb.RpcResponse{}
		}
		reply(resp)
	})
}

func (m *Manager) handleSink(conn *Connection, identity Identity, msg *pb.SinkMessage) {
	if m.sink == nil {
		m.drop(conn, "no_sink", "sink message for module "+msg.ModuleId)
		return
	}
	m.sink.Dispatch(identity, msg)
}

// terminate releases everything tied to the stream. It runs once per connection.
func (m *Manager) terminate(conn *Connection, cause error) {
	if !conn.markClosed() {
		return
	}
	conn.Close()

	identity, removed := m.registry.Remove(conn.token)

	failed := m.tracker.RemoveByConnection(conn.token)
	for _, p := range failed {
		if p.claim() {
			p.finish(nil, ErrStreamTerminated)
		}
	}

	reason := "completed"
	if cause != nil {
		reason = "error"
	}
	metrics.StreamsClosed.WithLabelValues(reason).Inc()

	if removed && conn.notified.CompareAndSwap(false, true) {
		metrics.ConnectedMinions.Dec()
		if m.presence != nil {
			m.presence.MinionDisconnected(identity)
		}
	}

	conn.logger.Info("minion stream terminated",
		"token", conn.token,
		"reason", reason,
		"failed_requests", len(failed),
		"uptime", time.Since(conn.createdAt).Round(time.Millisecond),
	)
}

func (m *Manager) drop(conn *Connection, reason, detail string) {
	metrics.FramesDropped.WithLabelValues(reason).Inc()
	conn.logger.Warn("dropping frame", "reason", reason, "detail", detail, "token", conn.token)
}
