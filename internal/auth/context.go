// ABOUTME: Authentication context carrying the tenant and location a caller may act for
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// AnyTenant in a tenant claim lets the caller act for every tenant.
const AnyTenant = "*"

// Authentication methods recorded in AuthContext.Method.
const (
	MethodJWT      = "jwt"
	MethodMetadata = "metadata"
)

// AuthContext holds the identity extracted from a request.
// This is populated by the auth interceptor and can be retrieved from context in handlers.
type AuthContext struct {
	Subject  string // "sub" claim; empty for metadata auth
	TenantID string // concrete tenant or AnyTenant
	Location string // location claim or metadata, may be empty
	Peer     string // remote address when known
	Method   string // MethodJWT or MethodMetadata
}

// Tenant resolves the tenant a request acts for. requested may be empty to take the
// caller's own tenant. It reports false when the caller may not act for requested, or when
// no concrete tenant can be determined.
func (a *AuthContext) Tenant(requested string) (string, bool) {
	if a.TenantID == AnyTenant {
		return requested, requested != ""
	}
	if requested == "" || requested == a.TenantID {
		return a.TenantID, a.TenantID != ""
	}
	return "", false
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	val := ctx.Value(authContextKey{})
	if val == nil {
		return nil
	}
	auth, ok := val.(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}
