// ABOUTME: Shared test doubles for the minion package: an in-memory stream and presence recorder.
// ABOUTME: The harness wires a registry, tracker, manager and dispatcher the way the gateway does.

package minion

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	pb "github.com/2389/minion-gateway/proto/minion"
)

// mockStream is the gateway end of an in-memory minion stream.
type mockStream struct {
	grpc.ServerStream
	ctx    context.Context
	cancel context.CancelFunc

	recv chan *pb.MinionFrame
	sent chan *pb.GatewayFrame

	mu      sync.Mutex
	sendErr error
	closed  bool
}

func newMockStream() *mockStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &mockStream{
		ctx:    ctx,
		cancel: cancel,
		recv:   make(chan *pb.MinionFrame, 16),
		sent:   make(chan *pb.GatewayFrame, 64),
	}
}

func (m *mockStream) Context() context.Context {
	return m.ctx
}

func (m *mockStream) Send(frame *pb.GatewayFrame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent <- frame
	return nil
}

func (m *mockStream) Recv() (*pb.MinionFrame, error) {
	select {
	case frame, ok := <-m.recv:
		if !ok {
			return nil, io.EOF
		}
		return frame, nil
	case <-m.ctx.Done():
		return nil, m.ctx.Err()
	}
}

// push delivers a frame from the minion.
func (m *mockStream) push(frame *pb.MinionFrame) {
	m.recv <- frame
}

// hangUp ends the stream from the minion side with EOF.
func (m *mockStream) hangUp() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.recv)
	}
}

func (m *mockStream) failSends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// nextSent waits for the next frame the gateway wrote.
func (m *mockStream) nextSent(t *testing.T) *pb.GatewayFrame {
	t.Helper()
	select {
	case frame := <-m.sent:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for gateway frame")
		return nil
	}
}

type presenceEvent struct {
	connected bool
	identity  Identity
}

// recordingPresence records presence notifications in order.
type recordingPresence struct {
	mu     sync.Mutex
	events []presenceEvent
}

func (r *recordingPresence) MinionConnected(identity Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, presenceEvent{connected: true, identity: identity})
}

func (r *recordingPresence) MinionDisconnected(identity Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, presenceEvent{connected: false, identity: identity})
}

func (r *recordingPresence) snapshot() []presenceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]presenceEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recordingPresence) count(connected bool) int {
	n := 0
	for _, e := range r.snapshot() {
		if e.connected == connected {
			n++
		}
	}
	return n
}

type harness struct {
	registry   *Registry
	tracker    *Tracker
	presence   *recordingPresence
	manager    *Manager
	dispatcher *Dispatcher
}

func newHarness(t *testing.T, mutate func(*ManagerConfig, *DispatcherConfig)) *harness {
	t.Helper()
	logger := slog.Default()
	registry := NewRegistry(logger)
	tracker := NewTracker()
	presence := &recordingPresence{}

	mcfg := ManagerConfig{Registry: registry, Tracker: tracker, Presence: presence, Logger: logger}
	dcfg := DispatcherConfig{Registry: registry, Tracker: tracker, DefaultTimeout: 2 * time.Second, Logger: logger}
	if mutate != nil {
		mutate(&mcfg, &dcfg)
	}

	h := &harness{
		registry:   registry,
		tracker:    tracker,
		presence:   presence,
		manager:    NewManager(mcfg),
		dispatcher: NewDispatcher(dcfg),
	}
	t.Cleanup(h.dispatcher.Shutdown)
	return h
}

type servedStream struct {
	*mockStream
	done chan error
}

// wait returns Serve's result.
func (s *servedStream) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

// open starts serving a stream without sending a hello.
func (h *harness) open(t *testing.T, origin Origin) *servedStream {
	t.Helper()
	s := &servedStream{mockStream: newMockStream(), done: make(chan error, 1)}
	go func() {
		s.done <- h.manager.Serve(s.mockStream, origin)
	}()
	t.Cleanup(func() {
		s.hangUp()
		s.cancel()
	})
	return s
}

// connect starts serving a stream and completes the handshake.
func (h *harness) connect(t *testing.T, tenantID, location, systemID string) *servedStream {
	t.Helper()
	s := h.open(t, Origin{TenantID: tenantID, Location: location, Peer: "test"})
	s.push(&pb.MinionFrame{Hello: &pb.Hello{SystemId: systemID, Version: "test"}})

	require.Eventually(t, func() bool {
		conn, ok := h.registry.Lookup(TenantKey{TenantID: tenantID, Key: systemID})
		return ok && conn.stream == s.mockStream
	}, 2*time.Second, 5*time.Millisecond, "minion %s never identified", systemID)
	return s
}

// respond answers req with payload from the minion side.
func respond(s *servedStream, req *pb.RpcRequest, payload *pb.Payload, rpcErr *pb.RpcError) {
	s.push(&pb.MinionFrame{Response: &pb.RpcResponse{
		RpcId:    req.RpcId,
		SystemId: req.SystemId,
		Location: req.Location,
		ModuleId: req.ModuleId,
		Payload:  payload,
		Error:    rpcErr,
	}})
}

var errBrokenPipe = errors.New("broken pipe")
