package httpapi

import (
	"github.com/google/uuid"

	"github.com/controlcoreio/control-core/internal/model"
	"github.com/controlcoreio/control-core/internal/tenant"
)

// auditConfigChange records a config-change entry before the handler
// returns success to the caller, per the gateway's "every write is
// audited" rule (§4.11). The sink's own batching keeps this off the
// request's critical path beyond a single channel send.
func (s *Server) auditConfigChange(scope tenant.Scope, actor, action string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["action"] = action
	s.auditSink.Append(model.AuditEntry{
		EntryID:     uuid.NewString(),
		TenantID:    scope.TenantID,
		Environment: scope.Environment,
		Actor:       actor,
		Type:        model.AuditConfigChange,
		Payload:     payload,
	})
}
