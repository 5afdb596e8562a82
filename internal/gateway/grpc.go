// ABOUTME: gRPC service implementations: MinionGateway streams for minions, CloudRpc for callers
// ABOUTME: Translates auth context into stream origins and dispatcher errors into gRPC codes

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/2389/minion-gateway/internal/auth"
	"github.com/2389/minion-gateway/internal/minion"
	pb "github.com/2389/minion-gateway/proto/minion"
)

// minionGatewayServer implements the MinionGateway gRPC service.
type minionGatewayServer struct {
	pb.UnimplementedMinionGatewayServer
	manager *minion.Manager
	logger  *slog.Logger
}

// newMinionGatewayServer creates a new MinionGateway service instance.
func newMinionGatewayServer(manager *minion.Manager, logger *slog.Logger) *minionGatewayServer {
	return &minionGatewayServer{
		manager: manager,
		logger:  logger,
	}
}

// RpcStreaming handles the bidirectional stream a minion keeps open.
// Protocol flow:
// 1. Minion sends Hello with its system id
// 2. Gateway sends requests; minion answers with responses
// 3. Minion may send its own requests and sink messages at any time
func (s *minionGatewayServer) RpcStreaming(stream pb.MinionGateway_RpcStreamingServer) error {
	origin, err := streamOrigin(stream.Context())
	if err != nil {
		s.logger.Warn("rejecting minion stream", "error", err)
		return err
	}
	return s.manager.Serve(stream, origin)
}

// streamOrigin resolves the tenant and location a minion stream belongs to.
func streamOrigin(ctx context.Context) (minion.Origin, error) {
	authCtx := auth.FromContext(ctx)
	if authCtx == nil {
		return minion.Origin{}, status.Error(codes.Unauthenticated, "missing auth context")
	}
	tenant, ok := authCtx.Tenant("")
	if !ok {
		return minion.Origin{}, status.Error(codes.InvalidArgument, "minion streams require a tenant (send tenant-id metadata)")
	}
	return minion.Origin{
		TenantID: tenant,
		Location: authCtx.Location,
		Peer:     authCtx.Peer,
	}, nil
}

// cloudRPCServer implements the CloudRpc gRPC service.
type cloudRPCServer struct {
	pb.UnimplementedCloudRpcServer
	dispatcher *minion.Dispatcher
	logger     *slog.Logger
}

// newCloudRPCServer creates a new CloudRpc service instance.
func newCloudRPCServer(dispatcher *minion.Dispatcher, logger *slog.Logger) *cloudRPCServer {
	return &cloudRPCServer{
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Dispatch sends one request to a minion and waits for its reply.
func (s *cloudRPCServer) Dispatch(ctx context.Context, req *pb.GatewayRpcRequest) (*pb.GatewayRpcResponse, error) {
	authCtx := auth.FromContext(ctx)
	if authCtx == nil {
		return nil, status.Error(codes.Unauthenticated, "missing auth context")
	}
	tenant, ok := authCtx.Tenant(req.TenantId)
	if !ok {
		return nil, status.Errorf(codes.PermissionDenied, "not allowed to act for tenant %q", req.TenantId)
	}
	return dispatchRequest(ctx, s.dispatcher, tenant, req)
}

// dispatchRequest validates req, sends it for tenant and waits for the outcome.
func dispatchRequest(ctx context.Context, d *minion.Dispatcher, tenant string, req *pb.GatewayRpcRequest) (*pb.GatewayRpcResponse, error) {
	if req.SystemId == "" && req.Location == "" {
		return nil, status.Error(codes.InvalidArgument, "system_id or location is required")
	}
	if req.TimeoutMs < 0 {
		return nil, status.Error(codes.InvalidArgument, "timeout_ms must not be negative")
	}

	resp, err := d.Call(ctx, minion.Request{
		Target: minion.Target{
			TenantID: tenant,
			Location: req.Location,
			SystemID: req.SystemId,
		},
		ModuleID: req.ModuleId,
		Payload:  req.Payload,
		Timeout:  time.Duration(req.TimeoutMs) * time.Millisecond,
		ID:       req.RpcId,
	})
	return toGatewayResponse(req, resp, err)
}

// toGatewayResponse renders a dispatcher outcome. Handler failures are data; everything
// else becomes a gRPC status.
func toGatewayResponse(req *pb.GatewayRpcRequest, resp *minion.Response, err error) (*pb.GatewayRpcResponse, error) {
	out := &pb.GatewayRpcResponse{
		RpcId:    req.RpcId,
		ModuleId: req.ModuleId,
		SystemId: req.SystemId,
		Location: req.Location,
	}
	if resp != nil {
		out.RpcId = resp.RpcID
		out.SystemId = resp.Identity.SystemID
		out.Location = resp.Identity.Location
		out.Payload = resp.Payload
	}

	if err == nil {
		return out, nil
	}

	var remote *minion.RemoteError
	if errors.As(err, &remote) && errors.Is(err, minion.ErrHandlerExecution) {
		out.Error = &pb.RpcError{Kind: remote.Kind, Message: remote.Message}
		return out, nil
	}
	return nil, dispatchStatus(err)
}

// dispatchStatus maps dispatcher errors onto gRPC codes.
func dispatchStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, minion.ErrTargetUnreachable), errors.Is(err, minion.ErrShutdown):
		code = codes.Unavailable
	case errors.Is(err, minion.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, minion.ErrStreamTerminated):
		code = codes.Aborted
	case errors.Is(err, minion.ErrUnknownModule):
		code = codes.Unimplemented
	case errors.Is(err, minion.ErrBackpressure):
		code = codes.ResourceExhausted
	case errors.Is(err, minion.ErrInvalidRequest):
		code = codes.InvalidArgument
	case errors.Is(err, minion.ErrDuplicateRequestID):
		code = codes.AlreadyExists
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
