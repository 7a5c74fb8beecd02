package httpapi

import (
	"net/http"
	"strings"

	"ums.dev/internal/auth"
	"ums.dev/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

const (
	msgUnauthenticated = "Could not validate credentials"
	msgForbidden       = "Access denied!"
	msgUnavailable     = "authorization unavailable"
)

// RequireRole admits the request only when authz grants role to the
// presented bearer token. The decision is stored in the request context.
func RequireRole(authz auth.Authorizer, role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get(authHeader)
			d, err := authz.Authorize(r.Context(), header, role)
			if err != nil {
				obs.Error("authorization failed", map[string]any{
					"request_id":    RequestIDFromContext(r.Context()),
					"required_role": role,
					"error":         err.Error(),
				})
				writeError(w, r, http.StatusServiceUnavailable, msgUnavailable)
				return
			}
			if !d.Allowed {
				if d.Reason.Authenticated() {
					writeError(w, r, http.StatusForbidden, msgForbidden)
					return
				}
				w.Header().Set("WWW-Authenticate", `Bearer`)
				writeError(w, r, http.StatusUnauthorized, msgUnauthenticated)
				return
			}
			ctx := auth.ContextWithDecision(r.Context(), d)
			ctx = auth.ContextWithToken(ctx, strings.TrimPrefix(header, bearer))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
