// ABOUTME: Minion side of the RPC stream: dials the gateway, serves module requests and reconnects
// ABOUTME: Also sends heartbeats and sink messages and correlates requests the minion sends upstream

package minionclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/2389/minion-gateway/internal/future"
	"github.com/2389/minion-gateway/internal/minion"
	"github.com/2389/minion-gateway/internal/modules"
	"github.com/2389/minion-gateway/internal/sink"
	"github.com/2389/minion-gateway/internal/workpool"
	pb "github.com/2389/minion-gateway/proto/minion"
)

// Defaults applied by New for fields left empty.
const (
	DefaultWorkers     = 16
	DefaultCallTimeout = 30 * time.Second
	DefaultMinBackoff  = time.Second
	DefaultMaxBackoff  = 30 * time.Second
)

// ErrNotConnected is returned when there is no open stream to send on.
var ErrNotConnected = errors.New("not connected to gateway")

// Config describes one minion.
type Config struct {
	Address  string
	SystemID string
	TenantID string
	Location string
	// Token is sent as a bearer token when set.
	Token   string
	Version string

	// Workers bounds concurrently executing module handlers.
	Workers int
	// HeartbeatInterval is the period of heartbeat sink messages; zero disables them.
	HeartbeatInterval time.Duration
	// CallTimeout applies to Call when ctx carries no earlier deadline.
	CallTimeout time.Duration

	MinBackoff time.Duration
	MaxBackoff time.Duration

	// DialOptions replace the default insecure transport credentials when set.
	DialOptions []grpc.DialOption
	Logger      *slog.Logger
}

// Client keeps a minion connected to its gateway.
type Client struct {
	cfg     Config
	conn    *grpc.ClientConn
	rpc     pb.MinionGatewayClient
	modules *modules.Registry
	pool    *workpool.Pool
	logger  *slog.Logger

	mu      sync.Mutex
	stream  pb.MinionGateway_RpcStreamingClient
	ready   chan struct{}
	pending map[string]*future.Future[*pb.RpcResponse]

	sendMu sync.Mutex
}

// New validates cfg and prepares a client. No connection is made until Run.
func New(cfg Config) (*Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("gateway address is required")
	}
	if cfg.SystemID == "" {
		return nil, errors.New("system id is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(DefaultMaxBackoff, cfg.MinBackoff)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("system_id", cfg.SystemID)

	opts := cfg.DialOptions
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gateway client: %w", err)
	}

	pool := workpool.New("minion_handlers", cfg.Workers, logger.With("pool", "minion_handlers"))
	reg := modules.NewRegistry(modules.Config{
		Source:   modules.Source{SystemID: cfg.SystemID, Location: cfg.Location},
		Executor: pool,
		Logger:   logger.With("component", "modules"),
	})
	if err := modules.BindBuiltins(reg); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("binding builtin modules: %w", err)
	}

	return &Client{
		cfg:     cfg,
		conn:    conn,
		rpc:     pb.NewMinionGatewayClient(conn),
		modules: reg,
		pool:    pool,
		logger:  logger,
		ready:   make(chan struct{}),
		pending: make(map[string]*future.Future[*pb.RpcResponse]),
	}, nil
}

// Modules returns the registry serving gateway requests. Bind handlers before or during Run.
func (c *Client) Modules() *modules.Registry {
	return c.modules
}

// Run keeps a stream open until ctx is done, reconnecting with capped exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.MinBackoff
	attempts := 0
	for {
		attempts++
		established, err := c.session(ctx)
		if ctx.Err() != nil {
			c.logger.Info("minion client stopped")
			return nil
		}
		if established {
			backoff = c.cfg.MinBackoff
			attempts = 1
		}
		c.logger.Warn("gateway stream ended, reconnecting", "error", err, "attempt", attempts, "backoff", backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
			backoff = min(backoff*2, c.cfg.MaxBackoff)
		case <-ctx.Done():
			timer.Stop()
			c.logger.Info("minion client stopped")
			return nil
		}
	}
}

// session runs one stream. established reports whether the hello went out.
func (c *Client) session(ctx context.Context) (established bool, err error) {
	sctx, cancel := context.WithCancel(c.outgoing(ctx))
	defer cancel()

	stream, err := c.rpc.RpcStreaming(sctx)
	if err != nil {
		return false, fmt.Errorf("opening stream: %w", err)
	}
	if err := stream.Send(&pb.MinionFrame{Hello: &pb.Hello{
		SystemId: c.cfg.SystemID,
		Location: c.cfg.Location,
		Version:  c.cfg.Version,
	}}); err != nil {
		return false, fmt.Errorf("sending hello: %w", err)
	}

	c.attach(stream)
	defer c.detach(stream)
	c.logger.Info("connected to gateway", "address", c.cfg.Address, "location", c.cfg.Location)

	if c.cfg.HeartbeatInterval > 0 {
		go c.heartbeat(sctx, c.cfg.HeartbeatInterval)
	}

	for {
		frame, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return true, errors.New("gateway closed the stream")
		}
		if err != nil {
			return true, fmt.Errorf("receiving frame: %w", err)
		}
		c.handleFrame(sctx, frame)
	}
}

// outgoing attaches the auth metadata the gateway reads.
func (c *Client) outgoing(ctx context.Context) context.Context {
	kv := []string{}
	if c.cfg.TenantID != "" {
		kv = append(kv, "tenant-id", c.cfg.TenantID)
	}
	if c.cfg.Location != "" {
		kv = append(kv, "location", c.cfg.Location)
	}
	if c.cfg.Token != "" {
		kv = append(kv, "authorization", "Bearer "+c.cfg.Token)
	}
	return metadata.AppendToOutgoingContext(ctx, kv...)
}

func (c *Client) handleFrame(ctx context.Context, frame *pb.GatewayFrame) {
	if frame != nil && frame.DecodeErr() != nil {
		c.logger.Warn("dropping undecodable frame from gateway", "error", frame.DecodeErr())
		return
	}
	if frame == nil || frame.Kinds() != 1 {
		c.logger.Warn("dropping malformed frame from gateway")
		return
	}

	switch {
	case frame.Request != nil:
		req := frame.Request
		c.modules.Handle(ctx, req).Then(func(resp *pb.RpcResponse, err error) {
			if err != nil {
				resp = &pb.RpcResponse{
					RpcId:    req.RpcId,
					ModuleId: req.ModuleId,
					Error:    &pb.RpcError{Kind: pb.ErrorKindHandlerFailure, Message: err.Error()},
				}
			}
			if err := c.send(&pb.MinionFrame{Response: resp}); err != nil {
				c.logger.Warn("sending response", "error", err, "rpc_id", req.RpcId)
			}
		})

	case frame.Response != nil:
		c.mu.Lock()
		f, ok := c.pending[frame.Response.RpcId]
		delete(c.pending, frame.Response.RpcId)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("dropping response for unknown request", "rpc_id", frame.Response.RpcId)
			return
		}
		f.Complete(frame.Response, nil)
	}
}

func (c *Client) attach(stream pb.MinionGateway_RpcStreamingClient) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stream = stream
	close(c.ready)
}

// detach forgets stream and fails the requests that were waiting on it.
func (c *Client) detach(stream pb.MinionGateway_RpcStreamingClient) {
	c.mu.Lock()
	if c.stream != stream {
		c.mu.Unlock()
		return
	}
	c.stream = nil
	c.ready = make(chan struct{})
	pending := c.pending
	c.pending = make(map[string]*future.Future[*pb.RpcResponse])
	c.mu.Unlock()

	for _, f := range pending {
		f.Complete(nil, minion.ErrStreamTerminated)
	}
}

// WaitReady blocks until a stream is open or ctx is done.
func (c *Client) WaitReady(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send writes one frame on the current stream. gRPC streams allow one sender at a time.
func (c *Client) send(frame *pb.MinionFrame) error {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return ErrNotConnected
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return stream.Send(frame)
}

// Call sends a request to a module served by the gateway and waits for the reply. A reply
// carrying an error is returned together with a *minion.RemoteError.
func (c *Client) Call(ctx context.Context, moduleID string, payload *pb.Payload) (*pb.RpcResponse, error) {
	if moduleID == "" {
		return nil, fmt.Errorf("%w: module id is required", minion.ErrInvalidRequest)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	deadline, _ := ctx.Deadline()

	id := uuid.NewString()
	f := future.New[*pb.RpcResponse](nil)
	c.mu.Lock()
	if c.stream == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[id] = f
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	err := c.send(&pb.MinionFrame{Request: &pb.RpcRequest{
		RpcId:          id,
		SystemId:       c.cfg.SystemID,
		Location:       c.cfg.Location,
		ModuleId:       moduleID,
		ExpirationTime: deadline.UnixMilli(),
		Payload:        payload,
	}})
	if err != nil {
		forget()
		return nil, fmt.Errorf("sending request: %w", err)
	}

	resp, err := f.Wait(ctx)
	if err != nil {
		forget()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, minion.ErrTimeout
		}
		return nil, err
	}
	if resp.Error != nil {
		return resp, &minion.RemoteError{Kind: resp.Error.Kind, Message: resp.Error.Message}
	}
	return resp, nil
}

// SendSink sends a one-way message to the gateway's sink consumer for moduleID.
func (c *Client) SendSink(moduleID string, content []byte) error {
	return c.send(&pb.MinionFrame{Sink: &pb.SinkMessage{
		MessageId: uuid.NewString(),
		SystemId:  c.cfg.SystemID,
		ModuleId:  moduleID,
		Content:   content,
	}})
}

func (c *Client) heartbeat(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.SendSink(sink.HeartbeatModule, nil); err != nil {
				c.logger.Debug("sending heartbeat", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close releases the connection and waits for running handlers. Call after Run returns.
func (c *Client) Close() error {
	c.pool.Close()
	return c.conn.Close()
}
