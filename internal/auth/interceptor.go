// ABOUTME: gRPC interceptors that establish which tenant and location a caller acts for
// ABOUTME: Reads JWT bearer tokens when configured, otherwise trusts tenant-id/location metadata

package auth

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// Metadata keys read by the interceptors.
const (
	MetadataAuthorization = "authorization"
	MetadataTenant        = "tenant-id"
	MetadataLocation      = "location"
)

// Config holds auth configuration options.
type Config struct {
	// Verifier enables JWT auth. When nil, tenant and location are taken from metadata.
	Verifier *JWTVerifier
	// DefaultTenant applies to metadata auth when the caller sends no tenant-id.
	DefaultTenant string
	Logger        *slog.Logger
}

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(logger *slog.Logger, ctx context.Context, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	// Extract peer address if available
	baseAttrs := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		baseAttrs = append(baseAttrs, "peer_addr", p.Addr.String())
	}
	baseAttrs = append(baseAttrs, attrs...)
	logger.Warn("auth failure", baseAttrs...)
}

// UnaryInterceptor returns a gRPC unary interceptor that authenticates requests.
func UnaryInterceptor(cfg Config) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		authCtx, err := extractAuth(ctx, cfg)
		if err != nil {
			return nil, err
		}

		ctx = WithAuth(ctx, authCtx)
		return handler(ctx, req)
	}
}

// StreamInterceptor returns a gRPC stream interceptor that authenticates requests.
func StreamInterceptor(cfg Config) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		authCtx, err := extractAuth(ss.Context(), cfg)
		if err != nil {
			return err
		}

		wrapped := &wrappedServerStream{
			ServerStream: ss,
			ctx:          WithAuth(ss.Context(), authCtx),
		}
		return handler(srv, wrapped)
	}
}

// wrappedServerStream wraps a grpc.ServerStream with a custom context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

// firstValue returns the first metadata value for key, or "".
func firstValue(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// fromClaims builds the AuthContext for a verified token. The location claim wins over
// the location metadata.
func fromClaims(claims *Claims, location string) *AuthContext {
	authCtx := &AuthContext{
		Subject:  claims.Subject,
		TenantID: claims.Tenant,
		Location: claims.Location,
		Method:   MethodJWT,
	}
	if authCtx.Location == "" {
		authCtx.Location = location
	}
	return authCtx
}

// fromMetadata builds the AuthContext for unauthenticated deployments.
func fromMetadata(tenant, location, defaultTenant string) *AuthContext {
	if tenant == "" {
		tenant = defaultTenant
	}
	if tenant == "" {
		tenant = AnyTenant
	}
	return &AuthContext{
		TenantID: tenant,
		Location: location,
		Method:   MethodMetadata,
	}
}

// extractAuth extracts authentication context from gRPC metadata.
func extractAuth(ctx context.Context, cfg Config) (*AuthContext, error) {
	md, _ := metadata.FromIncomingContext(ctx)

	var authCtx *AuthContext
	if cfg.Verifier != nil {
		token, errMsg := extractBearerToken(firstValue(md, MetadataAuthorization))
		if errMsg != "" {
			logAuthFailure(cfg.Logger, ctx, "missing_token", "error", errMsg)
			return nil, status.Error(codes.Unauthenticated, errMsg)
		}
		claims, err := cfg.Verifier.Verify(token)
		if err != nil {
			logAuthFailure(cfg.Logger, ctx, "jwt_auth_failed", "error", err.Error())
			return nil, status.Error(codes.Unauthenticated, "invalid or expired token")
		}
		authCtx = fromClaims(claims, firstValue(md, MetadataLocation))

		// A wildcard token picks its tenant per call.
		if authCtx.TenantID == AnyTenant {
			if tenant := firstValue(md, MetadataTenant); tenant != "" {
				authCtx.TenantID = tenant
			}
		}
	} else {
		authCtx = fromMetadata(firstValue(md, MetadataTenant), firstValue(md, MetadataLocation), cfg.DefaultTenant)
	}

	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		authCtx.Peer = p.Addr.String()
	}
	return authCtx, nil
}
