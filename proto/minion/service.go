// ABOUTME: gRPC service descriptors, clients and server interfaces for MinionGateway and CloudRpc.
// ABOUTME: Written in the shape protoc-gen-go-grpc produces, bound to the JSON codec.

package minion

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	MinionGateway_RpcStreaming_FullMethodName = "/minion.MinionGateway/RpcStreaming"
	CloudRpc_Dispatch_FullMethodName          = "/minion.CloudRpc/Dispatch"
)

// withCodec prepends the JSON content subtype so the server selects the JSON codec.
func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

// MinionGateway_RpcStreamingClient is the minion end of the RPC stream.
type MinionGateway_RpcStreamingClient = grpc.BidiStreamingClient[MinionFrame, GatewayFrame]

// MinionGateway_RpcStreamingServer is the gateway end of the RPC stream.
type MinionGateway_RpcStreamingServer = grpc.BidiStreamingServer[MinionFrame, GatewayFrame]

// MinionGatewayClient is the client API for the MinionGateway service.
type MinionGatewayClient interface {
	RpcStreaming(ctx context.Context, opts ...grpc.CallOption) (MinionGateway_RpcStreamingClient, error)
}

type minionGatewayClient struct {
	cc grpc.ClientConnInterface
}

func NewMinionGatewayClient(cc grpc.ClientConnInterface) MinionGatewayClient {
	return &minionGatewayClient{cc}
}

func (c *minionGatewayClient) RpcStreaming(ctx context.Context, opts ...grpc.CallOption) (MinionGateway_RpcStreamingClient, error) {
	stream, err := c.cc.NewStream(ctx, &MinionGateway_ServiceDesc.Streams[0], MinionGateway_RpcStreaming_FullMethodName, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[MinionFrame, GatewayFrame]{ClientStream: stream}
	return x, nil
}

// MinionGatewayServer is the server API for the MinionGateway service.
type MinionGatewayServer interface {
	RpcStreaming(MinionGateway_RpcStreamingServer) error
}

// UnimplementedMinionGatewayServer can be embedded for forward compatibility.
type UnimplementedMinionGatewayServer struct{}

func (UnimplementedMinionGatewayServer) RpcStreaming(MinionGateway_RpcStreamingServer) error {
	return status.Error(codes.Unimplemented, "method RpcStreaming not implemented")
}

func RegisterMinionGatewayServer(s grpc.ServiceRegistrar, srv MinionGatewayServer) {
	s.RegisterService(&MinionGateway_ServiceDesc, srv)
}

func _MinionGateway_RpcStreaming_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(MinionGatewayServer).RpcStreaming(&grpc.GenericServerStream[MinionFrame, GatewayFrame]{ServerStream: stream})
}

// MinionGateway_ServiceDesc is the grpc.ServiceDesc for the MinionGateway service.
var MinionGateway_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "minion.MinionGateway",
	HandlerType: (*MinionGatewayServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "RpcStreaming",
			Handler:       _MinionGateway_RpcStreaming_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "minion.proto",
}

// CloudRpcClient is the client API for the CloudRpc service.
type CloudRpcClient interface {
	Dispatch(ctx context.Context, in *GatewayRpcRequest, opts ...grpc.CallOption) (*GatewayRpcResponse, error)
}

type cloudRpcClient struct {
	cc grpc.ClientConnInterface
}

func NewCloudRpcClient(cc grpc.ClientConnInterface) CloudRpcClient {
	return &cloudRpcClient{cc}
}

func (c *cloudRpcClient) Dispatch(ctx context.Context, in *GatewayRpcRequest, opts ...grpc.CallOption) (*GatewayRpcResponse, error) {
	out := new(GatewayRpcResponse)
	if err := c.cc.Invoke(ctx, CloudRpc_Dispatch_FullMethodName, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// CloudRpcServer is the server API for the CloudRpc service.
type CloudRpcServer interface {
	Dispatch(context.Context, *GatewayRpcRequest) (*GatewayRpcResponse, error)
}

// UnimplementedCloudRpcServer can be embedded for forward compatibility.
type UnimplementedCloudRpcServer struct{}

func (UnimplementedCloudRpcServer) Dispatch(context.Context, *GatewayRpcRequest) (*GatewayRpcResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Dispatch not implemented")
}

func RegisterCloudRpcServer(s grpc.ServiceRegistrar, srv CloudRpcServer) {
	s.RegisterService(&CloudRpc_ServiceDesc, srv)
}

func _CloudRpc_Dispatch_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GatewayRpcRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CloudRpcServer).Dispatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: CloudRpc_Dispatch_FullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CloudRpcServer).Dispatch(ctx, req.(*GatewayRpcRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// CloudRpc_ServiceDesc is the grpc.ServiceDesc for the CloudRpc service.
var CloudRpc_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "minion.CloudRpc",
	HandlerType: (*CloudRpcServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Dispatch",
			Handler:    _CloudRpc_Dispatch_Handler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "minion.proto",
}
