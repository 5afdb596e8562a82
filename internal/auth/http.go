// ABOUTME: HTTP middleware for authenticating API endpoints
// ABOUTME: Applies the same JWT or metadata rules as the gRPC interceptors

package auth

import (
	"net/http"
	"strings"
)

// HTTP headers read by HTTPAuthMiddleware for metadata auth.
const (
	HeaderTenant   = "X-Tenant-ID"
	HeaderLocation = "X-Location"
)

// HTTPAuthMiddleware authenticates requests and adds AuthContext to the request context
// using the same WithAuth/FromContext pattern as the gRPC interceptors.
func HTTPAuthMiddleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := strings.TrimSpace(r.Header.Get(HeaderTenant))
			location := strings.TrimSpace(r.Header.Get(HeaderLocation))

			var authCtx *AuthContext
			if cfg.Verifier != nil {
				token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
				if errMsg != "" {
					http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
					return
				}
				claims, err := cfg.Verifier.Verify(token)
				if err != nil {
					if cfg.Logger != nil {
						cfg.Logger.Warn("auth failure", "reason", "jwt_auth_failed", "remote_addr", r.RemoteAddr, "error", err)
					}
					http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
					return
				}
				authCtx = fromClaims(claims, location)
				if authCtx.TenantID == AnyTenant && tenant != "" {
					authCtx.TenantID = tenant
				}
			} else {
				authCtx = fromMetadata(tenant, location, cfg.DefaultTenant)
			}
			authCtx.Peer = r.RemoteAddr

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}
