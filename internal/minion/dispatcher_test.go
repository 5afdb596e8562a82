// ABOUTME: Tests for request dispatch, correlation and the four resolution paths.
// ABOUTME: Uses in-memory streams so minion behaviour is scripted per test.

package minion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/2389/minion-gateway/internal/future"
	"github.com/2389/minion-gateway/internal/workpool"
	pb "github.com/2389/minion-gateway/proto/minion"
)

func mustPack(t *testing.T, s string) *pb.Payload {
	t.Helper()
	p, err := pb.PackPayload(wrapperspb.String(s))
	require.NoError(t, err)
	return p
}

func unpack(t *testing.T, p *pb.Payload) string {
	t.Helper()
	var v wrapperspb.StringValue
	require.NoError(t, p.UnmarshalTo(&v))
	return v.GetValue()
}

func waitFuture(t *testing.T, d *Dispatcher, req Request) (*Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return d.Send(context.Background(), req).Wait(ctx)
}

func TestDispatchRoundTrip(t *testing.T) {
	t.Run("echo request resolves with the minion payload", func(t *testing.T) {
		h := newHarness(t, nil)
		s := h.connect(t, "acme", "lab", "m1")

		fut := h.dispatcher.Send(context.Background(), Request{
			Target:   Target{TenantID: "acme", SystemID: "m1"},
			ModuleID: "echo",
			Payload:  mustPack(t, "ping"),
		})

		frame := s.nextSent(t)
		require.NotNil(t, frame.Request)
		assert.Equal(t, "echo", frame.Request.ModuleId)
		assert.Equal(t, "m1", frame.Request.SystemId)
		assert.Equal(t, "lab", frame.Request.Location)
		assert.Greater(t, frame.Request.ExpirationTime, time.Now().UnixMilli())
		assert.Equal(t, "ping", unpack(t, frame.Request.Payload))

		respond(s, frame.Request, mustPack(t, "pong"), nil)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		resp, err := fut.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, frame.Request.RpcId, resp.RpcID)
		assert.Equal(t, "m1", resp.Identity.SystemID)
		assert.Equal(t, "pong", unpack(t, resp.Payload))
		assert.Equal(t, 0, h.dispatcher.Pending())
	})

	t.Run("location target reaches a minion at that location", func(t *testing.T) {
		h := newHarness(t, nil)
		s := h.connect(t, "acme", "lab", "m1")

		fut := h.dispatcher.Send(context.Background(), Request{
			Target:   Target{TenantID: "acme", Location: "lab"},
			ModuleID: "echo",
		})
		frame := s.nextSent(t)
		respond(s, frame.Request, nil, nil)

		resp, err := fut.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "m1", resp.Identity.SystemID)
	})

	t.Run("caller supplied id is used for correlation", func(t *testing.T) {
		h := newHarness(t, nil)
		s := h.connect(t, "acme", "lab", "m1")

		h.dispatcher.Send(context.Background(), Request{
			Target:   Target{TenantID: "acme", SystemID: "m1"},
			ModuleID: "echo",
			ID:       "req-42",
		})
		frame := s.nextSent(t)
		assert.Equal(t, "req-42", frame.Request.RpcId)

		_, err := waitFuture(t, h.dispatcher, Request{
			Target:   Target{TenantID: "acme", SystemID: "m1"},
			ModuleID: "echo",
			ID:       "req-42",
		})
		assert.ErrorIs(t, err, ErrDuplicateRequestID)
	})
}

func TestDispatchRemoteErrors(t *testing.T) {
	tests := []struct {
		name string
		kind string
		want error
	}{
		{"unknown module", pb.ErrorKindUnknownModule, ErrUnknownModule},
		{"handler failure", pb.ErrorKindHandlerFailure, ErrHandlerExecution},
		{"minion backpressure", pb.ErrorKindBackpressure, ErrBackpressure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			s := h.connect(t, "acme", "lab", "m1")

			fut := h.dispatcher.Send(context.Background(), Request{
				Target:   Target{TenantID: "acme", SystemID: "m1"},
				ModuleID: "snmp",
			})
			frame := s.nextSent(t)
			respond(s, frame.Request, nil, &pb.RpcError{Kind: tt.kind, Message: "nope"})

			_, err := fut.Wait(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var remote *RemoteError
			require.True(t, errors.As(err, &remote))
			assert.Equal(t, "nope", remote.Message)
		})
	}
}

func TestDispatchTimeout(t *testing.T) {
	h := newHarness(t, nil)
	s := h.connect(t, "acme", "lab", "m1")

	start := time.Now()
	fut := h.dispatcher.Send(context.Background(), Request{
		Target:   Target{TenantID: "acme", SystemID: "m1"},
		ModuleID: "slow",
		Timeout:  100 * time.Millisecond,
	})
	frame := s.nextSent(t)

	_, err := fut.Wait(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 0, h.tracker.Len())

	// A response after the timeout is discarded and the future keeps its timeout.
	respond(s, frame.Request, mustPack(t, "late"), nil)
	time.Sleep(20 * time.Millisecond)
	_, err, ok := fut.Result()
	require.True(t, ok)
	assert.ErrorIs(t, err, ErrTimeout)

	// The stream survives the late response.
	fut2 := h.dispatcher.Send(context.Background(), Request{
		Target:   Target{TenantID: "acme", SystemID: "m1"},
		ModuleID: "echo",
	})
	frame2 := s.nextSent(t)
	respond(s, frame2.Request, nil, nil)
	_, err = fut2.Wait(context.Background())
	assert.NoError(t, err)
}

func TestDispatchContextDeadlineShortensTimeout(t *testing.T) {
	h := newHarness(t, nil)
	s := h.connect(t, "acme", "lab", "m1")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	fut := h.dispatcher.Send(ctx, Request{
		Target:   Target{TenantID: "acme", SystemID: "m1"},
		ModuleID: "slow",
		Timeout:  time.Hour,
	})
	s.nextSent(t)

	_, err := fut.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestDispatchUnreachable(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t, "acme", "lab", "m1")

	tests := []struct {
		name   string
		target Target
	}{
		{"unknown system", Target{TenantID: "acme", SystemID: "nobody"}},
		{"other tenant", Target{TenantID: "globex", SystemID: "m1"}},
		{"empty location", Target{TenantID: "acme", Location: "attic"}},
		{"no system or location", Target{TenantID: "acme"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fut := h.dispatcher.Send(context.Background(), Request{Target: tt.target, ModuleID: "echo"})

			_, err, ok := fut.Result()
			require.True(t, ok, "unreachable targets fail immediately")
			assert.ErrorIs(t, err, ErrTargetUnreachable)
			assert.True(t, IsRetryable(err))
			assert.Equal(t, 0, h.tracker.Len())
			assert.Equal(t, 0, h.dispatcher.timeouts.Len())
		})
	}
}

func TestDispatchRejectsInvalidRequests(t *testing.T) {
	h := newHarness(t, nil)

	_, err := waitFuture(t, h.dispatcher, Request{Target: Target{TenantID: "acme", SystemID: "m1"}})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = waitFuture(t, h.dispatcher, Request{Target: Target{SystemID: "m1"}, ModuleID: "echo"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestDispatchBackpressure(t *testing.T) {
	h := newHarness(t, func(_ *ManagerConfig, d *DispatcherConfig) {
		d.MaxPending = 1
	})
	s := h.connect(t, "acme", "lab", "m1")
	target := Target{TenantID: "acme", SystemID: "m1"}

	first := h.dispatcher.Send(context.Background(), Request{Target: target, ModuleID: "echo"})
	frame := s.nextSent(t)

	_, err := waitFuture(t, h.dispatcher, Request{Target: target, ModuleID: "echo"})
	assert.ErrorIs(t, err, ErrBackpressure)

	respond(s, frame.Request, nil, nil)
	_, err = first.Wait(context.Background())
	require.NoError(t, err)

	third := h.dispatcher.Send(context.Background(), Request{Target: target, ModuleID: "echo"})
	respond(s, s.nextSent(t).Request, nil, nil)
	_, err = third.Wait(context.Background())
	assert.NoError(t, err)
}

func TestDispatchSendFailure(t *testing.T) {
	h := newHarness(t, nil)
	s := h.connect(t, "acme", "lab", "m1")
	s.failSends(errBrokenPipe)

	_, err := waitFuture(t, h.dispatcher, Request{
		Target:   Target{TenantID: "acme", SystemID: "m1"},
		ModuleID: "echo",
	})
	assert.ErrorIs(t, err, ErrStreamTerminated)
	assert.Equal(t, 0, h.tracker.Len())
}

func TestStreamLossFailsOutstandingRequests(t *testing.T) {
	h := newHarness(t, nil)
	s := h.connect(t, "acme", "lab", "m1")

	pending := make([]*future.Future[*Response], 0, 3)
	for i := 0; i < 3; i++ {
		pending = append(pending, h.dispatcher.Send(context.Background(), Request{
			Target:   Target{TenantID: "acme", SystemID: "m1"},
			ModuleID: "echo",
		}))
		s.nextSent(t)
	}
	require.Equal(t, 3, h.tracker.Len())

	s.hangUp()
	require.NoError(t, s.wait(t))

	for _, fut := range pending {
		_, err := fut.Wait(context.Background())
		assert.ErrorIs(t, err, ErrStreamTerminated)
	}
	assert.Equal(t, 0, h.tracker.Len())

	_, ok := h.registry.Lookup(TenantKey{TenantID: "acme", Key: "m1"})
	assert.False(t, ok)
	assert.Equal(t, 1, h.presence.count(false), "disconnect is reported exactly once")

	_, err := waitFuture(t, h.dispatcher, Request{
		Target:   Target{TenantID: "acme", SystemID: "m1"},
		ModuleID: "echo",
	})
	assert.ErrorIs(t, err, ErrTargetUnreachable)
}

func TestShutdownFailsOutstandingRequests(t *testing.T) {
	h := newHarness(t, nil)
	s := h.connect(t, "acme", "lab", "m1")

	fut := h.dispatcher.Send(context.Background(), Request{
		Target:   Target{TenantID: "acme", SystemID: "m1"},
		ModuleID: "echo",
		Timeout:  time.Hour,
	})
	frame := s.nextSent(t)

	h.dispatcher.Shutdown()
	_, err := fut.Wait(context.Background())
	assert.ErrorIs(t, err, ErrShutdown)
	assert.False(t, IsRetryable(err))

	// Late response after shutdown is dropped.
	respond(s, frame.Request, nil, nil)

	_, err = waitFuture(t, h.dispatcher, Request{
		Target:   Target{TenantID: "acme", SystemID: "m1"},
		ModuleID: "echo",
	})
	assert.ErrorIs(t, err, ErrShutdown)

	// Idempotent.
	h.dispatcher.Shutdown()
}

func TestCallbacksRunOnExecutor(t *testing.T) {
	pool := workpool.New("callbacks", 2, slog.Default())
	h := newHarness(t, func(_ *ManagerConfig, d *DispatcherConfig) {
		d.Executor = pool
	})
	s := h.connect(t, "acme", "lab", "m1")

	fut := h.dispatcher.Send(context.Background(), Request{
		Target:   Target{TenantID: "acme", SystemID: "m1"},
		ModuleID: "echo",
	})
	called := make(chan string, 1)
	fut.Then(func(resp *Response, err error) {
		if err != nil {
			called <- err.Error()
			return
		}
		called <- resp.RpcID
	})

	frame := s.nextSent(t)
	respond(s, frame.Request, nil, nil)

	select {
	case got := <-called:
		assert.Equal(t, frame.Request.RpcId, got)
	case <-time.After(2 * time.Second):
		t.Fatal("callback never ran")
	}
	pool.Close()
}

// TestResolutionIsExactlyOnce races a response, a timeout, stream loss and shutdown on the
// same requests and checks every future resolves once.
func TestResolutionIsExactlyOnce(t *testing.T) {
	for round := 0; round < 20; round++ {
		h := newHarness(t, nil)
		s := h.connect(t, "acme", "lab", "m1")

		const n = 50
		var resolved atomic.Int64
		var frames []*pb.RpcRequest
		for i := 0; i < n; i++ {
			fut := h.dispatcher.Send(context.Background(), Request{
				Target:   Target{TenantID: "acme", SystemID: "m1"},
				ModuleID: "echo",
				Timeout:  time.Duration(1+i%3) * time.Millisecond,
			})
			fut.Then(func(*Response, error) { resolved.Add(1) })
			frames = append(frames, s.nextSent(t).Request)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for _, req := range frames {
				respond(s, req, nil, nil)
			}
			s.hangUp()
		}()
		go func() {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			h.dispatcher.Shutdown()
		}()
		wg.Wait()
		s.wait(t)

		require.Eventually(t, func() bool { return resolved.Load() == n }, 2*time.Second, 5*time.Millisecond)
		time.Sleep(10 * time.Millisecond)
		assert.Equal(t, int64(n), resolved.Load())
		assert.Equal(t, 0, h.tracker.Len())
	}
}

func TestPendingClaimIsExclusive(t *testing.T) {
	p := newPendingRequest("id", "echo", Identity{}, 1, time.Now(), time.Now(), nil)

	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.claim() {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), wins.Load())
	assert.True(t, p.Processed())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrTimeout))
	assert.True(t, IsRetryable(ErrStreamTerminated))
	assert.True(t, IsRetryable(&RemoteError{Kind: pb.ErrorKindBackpressure}))
	assert.False(t, IsRetryable(&RemoteError{Kind: pb.ErrorKindHandlerFailure}))
	assert.False(t, IsRetryable(ErrUnknownModule))
	assert.False(t, IsRetryable(nil))
}

// TestResponseAndTimeoutRaceOnSameRequest fires the response path and the timeout path at
// the same request many times; exactly one must resolve it each time.
func TestResponseAndTimeoutRaceOnSameRequest(t *testing.T) {
	h := newHarness(t, nil)
	conn := newTestConnection()
	token := h.registry.Register(conn)

	const iterations = 5000
	var resolved, timeouts, responses atomic.Int64
	for i := 0; i < iterations; i++ {
		now := time.Now()
		p := newPendingRequest(fmt.Sprintf("race-%d", i), "echo", Identity{}, token, now, now, nil)
		p.future.Then(func(_ *Response, err error) {
			resolved.Add(1)
			if errors.Is(err, ErrTimeout) {
				timeouts.Add(1)
			} else if err == nil {
				responses.Add(1)
			}
		})
		require.NoError(t, h.tracker.Add(p))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.manager.handleResponse(conn, Identity{}, &pb.RpcResponse{RpcId: p.ID})
		}()
		go func() {
			defer wg.Done()
			h.dispatcher.expire(p)
		}()
		wg.Wait()
	}

	assert.Equal(t, int64(iterations), resolved.Load())
	assert.Equal(t, int64(iterations), timeouts.Load()+responses.Load())
	assert.Equal(t, 0, h.tracker.Len())
}

func TestSaturatedCallbackPool(t *testing.T) {
	t.Run("a slow callback does not hold up later timeouts", func(t *testing.T) {
		pool := workpool.New("callbacks", 1, slog.Default())
		defer pool.Close()
		h := newHarness(t, func(_ *ManagerConfig, d *DispatcherConfig) {
			d.Executor = pool
		})
		s := h.connect(t, "acme", "lab", "m1")

		target := Target{TenantID: "acme", SystemID: "m1"}
		slow := h.dispatcher.Send(context.Background(), Request{Target: target, ModuleID: "echo", Timeout: 50 * time.Millisecond})
		fast := h.dispatcher.Send(context.Background(), Request{Target: target, ModuleID: "echo", Timeout: 60 * time.Millisecond})
		s.nextSent(t)
		s.nextSent(t)

		release := make(chan struct{})
		defer close(release)
		require.NoError(t, pool.Submit(func() { <-release }))
		slow.Then(func(*Response, error) { <-release })

		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := fast.Wait(ctx)
		require.ErrorIs(t, err, ErrTimeout)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})

	t.Run("new requests are rejected while the pool is full", func(t *testing.T) {
		pool := workpool.New("callbacks", 1, slog.Default())
		defer pool.Close()
		h := newHarness(t, func(_ *ManagerConfig, d *DispatcherConfig) {
			d.Executor = pool
		})
		h.connect(t, "acme", "lab", "m1")

		release := make(chan struct{})
		require.NoError(t, pool.Submit(func() { <-release }))

		_, err := waitFuture(t, h.dispatcher, Request{
			Target:   Target{TenantID: "acme", SystemID: "m1"},
			ModuleID: "echo",
		})
		assert.ErrorIs(t, err, ErrBackpressure)
		assert.True(t, IsRetryable(err))
		assert.Equal(t, 0, h.tracker.Len())
		close(release)
	})
}

func TestAnsweredRequestLeavesTimeoutQueue(t *testing.T) {
	h := newHarness(t, nil)
	s := h.connect(t, "acme", "lab", "m1")

	fut := h.dispatcher.Send(context.Background(), Request{
		Target:   Target{TenantID: "acme", SystemID: "m1"},
		ModuleID: "echo",
		Timeout:  time.Minute,
	})
	assert.Equal(t, 1, h.dispatcher.timeouts.Len())

	respond(s, s.nextSent(t).Request, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := fut.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, h.dispatcher.timeouts.Len())
}

func TestExpiryKeepsRequestThatReusedID(t *testing.T) {
	h := newHarness(t, nil)
	now := time.Now()

	stale := newPendingRequest("reused", "echo", Identity{}, 1, now, now, nil)
	require.NoError(t, h.tracker.Add(stale))
	h.tracker.Remove("reused")

	current := newPendingRequest("reused", "echo", Identity{}, 1, now, now.Add(time.Minute), nil)
	require.NoError(t, h.tracker.Add(current))

	h.dispatcher.expire(stale)
	_, err, ok := stale.future.Result()
	require.True(t, ok)
	assert.ErrorIs(t, err, ErrTimeout)

	got, ok := h.tracker.Lookup("reused")
	require.True(t, ok)
	assert.Same(t, current, got)
	assert.False(t, current.Processed())
}
