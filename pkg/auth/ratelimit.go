package auth

import (
	"net/http"

	"github.com/Mindburn-Labs/keel/pkg/api"
	"github.com/Mindburn-Labs/keel/pkg/limiter"
)

// RateLimitMiddleware enforces per-actor rate limiting at the HTTP layer.
// The actor is the authenticated principal, falling back to the remote
// address. On limit it returns 429 with a Retry-After header.
func RateLimitMiddleware(store limiter.Store, policy limiter.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// No store configured: dev mode, fail open.
			if store == nil {
				next.ServeHTTP(w, r)
				return
			}

			actorID := r.RemoteAddr
			if principal, err := GetPrincipal(r.Context()); err == nil {
				actorID = principal.GetID()
			}

			allowed, err := store.Allow(r.Context(), actorID, policy, 1)
			if err != nil {
				// Fail open on limiter errors to avoid blocking all traffic.
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				retryAfter := 60 / policy.RPM
				if retryAfter < 1 {
					retryAfter = 1
				}
				api.WriteTooManyRequests(w, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
