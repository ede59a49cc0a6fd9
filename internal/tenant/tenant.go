// Package tenant carries the caller's tenant identity through every
// query. The source's tenant scoping lived in a dynamic middleware
// that handlers could forget to apply; here every store query takes
// either a Scope value or an explicit tenant ID (tenant-wide tables
// and a few cross-environment lookups use the latter) right after its
// context, so a call site that skips tenant scoping fails to compile
// rather than fails at audit time.
package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/controlcoreio/control-core/internal/model"
)

// Scope is the tenant + environment pair every subsystem call carries.
// It is intentionally a plain value, not an interface, so it can be
// threaded through database/sql query arguments directly.
type Scope struct {
	TenantID    string
	Environment model.Environment
}

func (s Scope) Valid() bool {
	return s.TenantID != "" && s.Environment.Valid()
}

func (s Scope) String() string {
	return fmt.Sprintf("%s/%s", s.TenantID, s.Environment)
}

var ErrMismatch = errors.New("tenant_mismatch")

type ctxKey struct{}

// WithScope attaches a resolved Scope to ctx, set once by the gateway's
// tenantScopeMiddleware from the bearer identity's tenant and the
// ?environment= query parameter.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the Scope the gateway middleware attached. Every
// handler downstream of the middleware can rely on this being present;
// its absence is a programming error, not a runtime condition to
// degrade gracefully from.
func FromContext(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(ctxKey{}).(Scope)
	return s, ok
}

// CheckExplicit rejects a request whose body names an explicit
// environment that disagrees with the scope's active environment
// (spec §4.9: "mismatched explicit values are rejected").
func CheckExplicit(s Scope, explicit model.Environment) error {
	if explicit == "" {
		return nil
	}
	if explicit != s.Environment {
		return ErrMismatch
	}
	return nil
}
