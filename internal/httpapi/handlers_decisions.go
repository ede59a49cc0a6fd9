package httpapi

import (
	"context"
	"net/http"

	"github.com/controlcoreio/control-core/internal/configmerge"
	"github.com/controlcoreio/control-core/internal/decision"
	"github.com/controlcoreio/control-core/internal/tenant"
)

type decideRequestBody struct {
	PepID      string         `json:"pep_id"`
	Subject    map[string]any `json:"subject"`
	ResourceID string         `json:"resource_id"`
	Action     string         `json:"action"`
	Context    map[string]any `json:"context"`
}

// toDecisionRequest builds the engine's Request from the client body
// plus server-resolved state only: isSysAdmin comes from the
// authenticated identity (never a client-supplied flag — spec §4.8's
// bypass is a property of the principal, not something the principal
// can assert about itself), and failPolicy/defaultPosture come from
// the PEP's merged effective configuration (§4.4), not an ad hoc key
// inside the PEP-supplied context map.
func toDecisionRequest(scope tenant.Scope, body decideRequestBody, isSysAdmin bool, merged configmerge.EffectiveConfig) decision.Request {
	return decision.Request{
		TenantID:               scope.TenantID,
		Environment:            scope.Environment,
		PepID:                  body.PepID,
		Subject:                body.Subject,
		SubjectIsSysAdmin:      isSysAdmin,
		ResourceID:             body.ResourceID,
		Action:                 body.Action,
		Context:                body.Context,
		FailPolicy:             merged.FailPolicy,
		DefaultSecurityPosture: merged.DefaultSecurityPosture,
	}
}

// pepEffectiveConfig resolves the fail_policy/default_security_posture
// a decision for pepID must honor. It reads the same global+individual
// rows poll_effective_config merges (configmerge.Merge), but — unlike
// that PEP-facing endpoint — doesn't require the PEP's own registration
// token, since this call is already authenticated and tenant-scoped by
// the operator/PEP bearer token that reached this handler.
func (s *Server) pepEffectiveConfig(ctx context.Context, scope tenant.Scope, pepID string) (configmerge.EffectiveConfig, error) {
	pep, err := s.store.GetPep(ctx, scope, pepID)
	if err != nil {
		return configmerge.EffectiveConfig{}, err
	}
	global, err := s.store.GetGlobalConfig(ctx, scope.TenantID)
	if err != nil {
		return configmerge.EffectiveConfig{}, err
	}
	individual, err := s.store.GetIndividualConfig(ctx, scope.TenantID, pepID)
	if err != nil {
		return configmerge.EffectiveConfig{}, err
	}
	return configmerge.Merge(global, individual, pep.Mode), nil
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	identity, _ := identityFromContext(r.Context())
	var body decideRequestBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, controlValidation("malformed request body: "+err.Error()))
		return
	}
	merged, err := s.pepEffectiveConfig(r.Context(), scope, body.PepID)
	if err != nil {
		writeError(w, err)
		return
	}
	outcome, err := s.engine.Decide(r.Context(), toDecisionRequest(scope, body, identity.IsSystemAdministrator, merged))
	if err != nil {
		writeError(w, controlUpstreamFailure("decision evaluation failed: "+err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleDecideBulk(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	identity, _ := identityFromContext(r.Context())
	var bodies []decideRequestBody
	if err := decodeJSON(r, &bodies); err != nil {
		writeError(w, controlValidation("malformed request body: "+err.Error()))
		return
	}
	configByPep := make(map[string]configmerge.EffectiveConfig, len(bodies))
	outcomes := make([]any, 0, len(bodies))
	for _, b := range bodies {
		merged, ok := configByPep[b.PepID]
		if !ok {
			var err error
			merged, err = s.pepEffectiveConfig(r.Context(), scope, b.PepID)
			if err != nil {
				outcomes = append(outcomes, map[string]any{"error": err.Error()})
				continue
			}
			configByPep[b.PepID] = merged
		}
		outcome, err := s.engine.Decide(r.Context(), toDecisionRequest(scope, b, identity.IsSystemAdministrator, merged))
		if err != nil {
			outcomes = append(outcomes, map[string]any{"error": err.Error()})
			continue
		}
		outcomes = append(outcomes, outcome)
	}
	writeJSON(w, http.StatusOK, outcomes)
}
