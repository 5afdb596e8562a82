// ABOUTME: Gateway orchestrator that coordinates gRPC and HTTP servers
// ABOUTME: Wires the minion registry, dispatcher, presence, sink and store and owns their lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/minion-gateway/internal/auth"
	"github.com/2389/minion-gateway/internal/config"
	"github.com/2389/minion-gateway/internal/minion"
	"github.com/2389/minion-gateway/internal/modules"
	"github.com/2389/minion-gateway/internal/presence"
	"github.com/2389/minion-gateway/internal/sink"
	"github.com/2389/minion-gateway/internal/store"
	"github.com/2389/minion-gateway/internal/workpool"
	pb "github.com/2389/minion-gateway/proto/minion"
)

// Tailscale listener ports.
const (
	tailscaleGRPCPort = ":50051"
	tailscaleHTTPPort = ":80"
)

// Gateway orchestrates the minion-gateway server components.
// It owns the gRPC server minions and calling services connect to and the HTTP server for
// health, API and metrics.
type Gateway struct {
	config      *config.Config
	store       store.Store
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// serverID identifies this gateway instance in minion-info replies
	serverID string

	registry   *minion.Registry
	tracker    *minion.Tracker
	manager    *minion.Manager
	dispatcher *minion.Dispatcher

	// cloud serves requests minions send to the gateway
	cloud *modules.Registry

	presence  *presence.Tracker
	publisher presence.Publisher
	sink      *sink.Dispatcher

	responsePool *workpool.Pool
	cloudPool    *workpool.Pool
	sinkPool     *workpool.Pool

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("MINION_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initPublisher connects the optional Redis presence publisher.
func initPublisher(cfg *config.Config, logger *slog.Logger) (presence.Publisher, error) {
	if cfg.Presence.RedisURL == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pub, err := presence.NewRedisPublisher(ctx, cfg.Presence.RedisURL, cfg.Presence.RedisKey)
	if err != nil {
		return nil, fmt.Errorf("initializing presence publisher: %w", err)
	}
	logger.Info("presence events published to redis", "key", cfg.Presence.RedisKey)
	return pub, nil
}

// authConfig builds the interceptor config. An empty secret trusts tenant metadata.
func authConfig(cfg *config.Config, logger *slog.Logger) (auth.Config, error) {
	authCfg := auth.Config{
		DefaultTenant: cfg.Auth.DefaultTenant,
		Logger:        logger.With("component", "auth"),
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("JWT auth disabled - tenant and location are taken from request metadata")
		return authCfg, nil
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return auth.Config{}, fmt.Errorf("creating JWT verifier: %w", err)
	}
	authCfg.Verifier = verifier
	logger.Info("auth interceptors enabled (JWT)")
	return authCfg, nil
}

// createGRPCServer creates a gRPC server with keepalive and auth interceptors.
func createGRPCServer(cfg *config.Config, authCfg auth.Config) *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    cfg.RPC.KeepaliveInterval,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(auth.UnaryInterceptor(authCfg)),
		grpc.ChainStreamInterceptor(auth.StreamInterceptor(authCfg)),
	)
}

// New creates a new Gateway instance with the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config:   cfg,
		store:    s,
		logger:   logger,
		serverID: cfg.Server.ServerID,
	}

	if err := gw.init(); err != nil {
		gw.closeComponents()
		return nil, err
	}
	return gw, nil
}

// init builds every component on top of the store. closeComponents undoes it.
func (g *Gateway) init() error {
	cfg, logger := g.config, g.logger

	pub, err := initPublisher(cfg, logger)
	if err != nil {
		return err
	}
	g.publisher = pub

	g.presence = presence.NewTracker(presence.Config{
		Store:     g.store,
		Publisher: pub,
		Buffer:    cfg.Presence.Buffer,
		Logger:    logger.With("component", "presence"),
	})

	g.responsePool = workpool.New("responses", cfg.RPC.ResponseWorkers, logger.With("pool", "responses"))
	g.cloudPool = workpool.New("cloud_handlers", cfg.RPC.CloudHandlerWorkers, logger.With("pool", "cloud_handlers"))
	g.sinkPool = workpool.New("sink", cfg.Sink.Workers, logger.With("pool", "sink"))

	g.sink = sink.NewDispatcher(sink.Config{
		Executor:   g.sinkPool,
		DedupeTTL:  cfg.Sink.DedupeTTL,
		DedupeSize: cfg.Sink.DedupeSize,
		Logger:     logger.With("component", "sink"),
	})
	if err := sink.RegisterBuiltins(g.sink, g.presence, g.store); err != nil {
		return fmt.Errorf("registering sink consumers: %w", err)
	}

	g.cloud = modules.NewRegistry(modules.Config{
		Source:   modules.Source{SystemID: g.serverID},
		Executor: g.cloudPool,
		Logger:   logger.With("component", "cloud_handlers"),
	})
	if err := modules.BindBuiltins(g.cloud); err != nil {
		return fmt.Errorf("binding cloud handlers: %w", err)
	}
	if err := g.cloud.Bind(modules.MinionInfoModule, modules.MinionInfo(g.serverID, nil)); err != nil {
		return fmt.Errorf("binding cloud handlers: %w", err)
	}

	g.registry = minion.NewRegistry(logger.With("component", "registry"))
	g.tracker = minion.NewTracker()
	g.manager = minion.NewManager(minion.ManagerConfig{
		Registry: g.registry,
		Tracker:  g.tracker,
		Presence: g.presence,
		Cloud:    g.cloud,
		Sink:     g.sink,
		Logger:   logger.With("component", "manager"),
	})
	g.dispatcher = minion.NewDispatcher(minion.DispatcherConfig{
		Registry:       g.registry,
		Tracker:        g.tracker,
		DefaultTimeout: cfg.RPC.DefaultTimeout,
		MaxPending:     cfg.RPC.MaxPending,
		Executor:       g.responsePool,
		Logger:         logger.With("component", "dispatcher"),
	})

	authCfg, err := authConfig(cfg, logger)
	if err != nil {
		return err
	}

	g.grpcServer = createGRPCServer(cfg, authCfg)
	pb.RegisterMinionGatewayServer(g.grpcServer, newMinionGatewayServer(g.manager, logger.With("service", "minion_gateway")))
	pb.RegisterCloudRpcServer(g.grpcServer, newCloudRPCServer(g.dispatcher, logger.With("service", "cloud_rpc")))

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.routes(authCfg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Dispatcher returns the dispatcher for in-process callers.
func (g *Gateway) Dispatcher() *minion.Dispatcher {
	return g.dispatcher
}

// CloudHandlers returns the registry serving minion-initiated requests, so embedders can
// bind more modules before Run.
func (g *Gateway) CloudHandlers() *modules.Registry {
	return g.cloud
}

// SinkConsumers returns the sink dispatcher, so embedders can register more consumers.
func (g *Gateway) SinkConsumers() *sink.Dispatcher {
	return g.sink
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
		"server_id", g.serverID,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "minion-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", tailscaleGRPCPort)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.tsnetServer.Listen("tcp", tailscaleHTTPPort)
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
// Minion streams never end on their own, so they are asked to close once the server stops
// accepting new ones.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	g.manager.CloseAll()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeComponents releases everything behind the servers. Components may be nil when New
// failed part way.
func (g *Gateway) closeComponents() []error {
	var errs []error

	if g.dispatcher != nil {
		g.dispatcher.Shutdown()
	}
	for _, p := range []*workpool.Pool{g.responsePool, g.cloudPool, g.sinkPool} {
		if p != nil {
			p.Close()
		}
	}
	if g.sink != nil {
		g.sink.Close()
	}
	// Presence drains its queue into the store and publisher, so both outlive it.
	if g.presence != nil {
		g.presence.Close()
	}
	if g.publisher != nil {
		errs = appendCloseError(errs, "presence publisher close", g.publisher.Close())
	}
	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}
	return errs
}

// Shutdown gracefully stops all gateway servers and releases resources.
// Outstanding requests fail with minion.ErrShutdown. Later calls return the first result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Fail outstanding work before streams close so callers see ErrShutdown rather than
	// ErrStreamTerminated.
	g.dispatcher.Shutdown()
	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	errs = append(errs, g.closeComponents()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
