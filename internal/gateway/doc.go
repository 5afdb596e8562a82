// Package gateway orchestrates the minion-gateway server components.
//
// # Overview
//
// The gateway package is the central coordinator of the minion-gateway server. It owns the
// gRPC server minions and calling services connect to, the HTTP server, and every component
// in between: the minion registry and dispatcher, the cloud handler registry, presence
// tracking, the sink dispatcher and the store.
//
// # gRPC Services
//
// Both services share one server, one port and the same auth interceptors:
//
//   - minion.MinionGateway/RpcStreaming: the long-lived bidirectional stream each minion
//     keeps open. The stream's tenant and location come from the auth context; the minion
//     sends its system id in a Hello frame.
//   - minion.CloudRpc/Dispatch: a unary call for cloud services. The request names a
//     tenant and either a system id or a location; the reply carries the minion's payload
//     or, when its handler failed, an error kind and message.
//
// Dispatcher errors map to gRPC codes:
//
//	target unreachable   Unavailable
//	timeout              DeadlineExceeded
//	stream terminated    Aborted
//	unknown module       Unimplemented
//	backpressure         ResourceExhausted
//	shutdown             Unavailable
//	invalid request      InvalidArgument
//	duplicate rpc id     AlreadyExists
//	caller canceled      Canceled
//
// A caller without an auth context gets Unauthenticated; one asking for a tenant it may not
// act for gets PermissionDenied. The HTTP API maps the same codes onto HTTP statuses.
//
// # HTTP API
//
//	GET  /health          liveness, always "OK"
//	GET  /health/ready    200 once at least one minion is connected, else 503
//	GET  /api/minions     presence records with a live flag (tenant_id, location, status filters)
//	POST /api/rpc         JSON rendition of CloudRpc.Dispatch; payloads travel as
//	                      google.protobuf.Value
//	GET  /metrics         Prometheus metrics when metrics.enabled is set
//
// API routes use auth.HTTPAuthMiddleware: a bearer JWT when auth.jwt_secret is set,
// otherwise the X-Tenant-ID and X-Location headers.
//
// # Listeners
//
// With tailscale.enabled the gateway joins the tailnet through tsnet and listens on :50051
// for gRPC and :80 for HTTP; server.grpc_addr and server.http_addr are then ignored.
//
// # Shutdown
//
// Shutdown stops the HTTP server, fails every outstanding request with
// minion.ErrShutdown, closes minion streams while the gRPC server drains, then closes the
// worker pools, the presence tracker (which flushes queued events), the Redis publisher and
// the store. It is safe to call more than once.
package gateway
