package httpapi

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/controlcoreio/control-core/internal/model"
	"github.com/controlcoreio/control-core/internal/tenant"
)

type ctxKey int

const identityCtxKey ctxKey = iota

// authMiddleware resolves the bearer token into a TenantIdentity.
// Token lookup is a simple map today (spec §9 leaves the exact
// credential format an open question); the seam is the authTokens
// map on Server, not this middleware, so swapping in OAuth2
// introspection or mTLS later touches only New's wiring.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, controlUnauthenticated("missing bearer token"))
			return
		}
		identity, ok := s.authTokens[token]
		if !ok {
			writeError(w, controlUnauthenticated("unknown bearer token"))
			return
		}
		ctx := context.WithValue(r.Context(), identityCtxKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFromContext(ctx context.Context) (TenantIdentity, bool) {
	id, ok := ctx.Value(identityCtxKey).(TenantIdentity)
	return id, ok
}

// tenantScopeMiddleware builds the tenant.Scope that environment-scoped
// store/service calls take right after their context, from the
// authenticated identity's tenant ID and the ?environment= query
// parameter (defaulting to sandbox, the safer of the two). This is
// what makes tenant scoping a compile-time argument rather than a
// middleware-injected header a handler could forget to check.
func (s *Server) tenantScopeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := identityFromContext(r.Context())
		if !ok {
			writeError(w, controlUnauthenticated("no authenticated identity"))
			return
		}
		env := model.EnvSandbox
		if raw := r.URL.Query().Get("environment"); raw != "" {
			env = model.Environment(raw)
		}
		scope := tenant.Scope{TenantID: identity.TenantID, Environment: env}
		if !scope.Valid() {
			writeError(w, controlValidation("invalid environment: "+string(env)))
			return
		}
		ctx := tenant.WithScope(r.Context(), scope)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

const (
	rateLimitPerSecond = 50
	rateLimitBurst     = 100
)

// rateLimitMiddleware enforces a per-tenant token bucket (spec §4.1),
// so one noisy tenant's PEP fleet cannot starve another tenant's
// requests on a shared gateway process.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := identityFromContext(r.Context())
		if !ok {
			writeError(w, controlUnauthenticated("no authenticated identity"))
			return
		}
		limiter := s.limiterFor(identity.TenantID)
		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, controlRateLimited("rate limit exceeded for tenant "+identity.TenantID))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiterFor(tenantID string) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	if l, ok := s.limiters[tenantID]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(rateLimitPerSecond), rateLimitBurst)
	s.limiters[tenantID] = l
	return l
}
