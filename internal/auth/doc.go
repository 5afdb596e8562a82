// Package auth establishes which tenant and location a caller acts for.
//
// # Authentication Methods
//
//   - JWT Tokens: when auth.jwt_secret is configured, minions and calling services
//     present an HS256 bearer token. The "tenant" claim scopes the caller and the
//     optional "location" claim pins a minion's location. A tenant claim of "*"
//     lets operator tokens act for any tenant named in the request.
//
//   - Metadata: without a secret the gateway trusts the tenant-id and location
//     gRPC metadata (X-Tenant-ID and X-Location over HTTP). This is meant for
//     deployments that sit behind a trusted network such as a tailnet.
//
// # gRPC Interceptors
//
//	grpc.NewServer(
//		grpc.UnaryInterceptor(auth.UnaryInterceptor(cfg)),
//		grpc.StreamInterceptor(auth.StreamInterceptor(cfg)),
//	)
//
// Handlers read the result with FromContext and resolve the effective tenant with
// AuthContext.Tenant.
//
// # Token Management
//
//	verifier, err := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate("minion-1", "acme", "lab", 24*time.Hour)
//	claims, err := verifier.Verify(token)
package auth
