package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/controlcoreio/control-core/internal/model"
	"github.com/controlcoreio/control-core/internal/tenant"
)

func scopeOrInternalError(w http.ResponseWriter, r *http.Request) (tenant.Scope, bool) {
	scope, ok := tenant.FromContext(r.Context())
	if !ok {
		writeError(w, controlUnauthenticated("no tenant scope resolved"))
		return tenant.Scope{}, false
	}
	return scope, true
}

func pagination(r *http.Request) (skip, limit int) {
	q := r.URL.Query()
	skip, _ = strconv.Atoi(q.Get("skip"))
	limit, _ = strconv.Atoi(q.Get("limit"))
	return skip, limit
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	skip, limit := pagination(r)
	policies, err := s.policies.List(r.Context(), scope, skip, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policies)
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	var p model.Policy
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, controlValidation("malformed request body: "+err.Error()))
		return
	}
	if err := tenant.CheckExplicit(scope, p.Environment); err != nil {
		writeError(w, controlValidation("environment in body does not match ?environment="+string(scope.Environment)))
		return
	}
	created, err := s.policies.Create(r.Context(), scope, p)
	if err != nil {
		writeError(w, err)
		return
	}
	s.auditConfigChange(scope, identityOf(r), "policy.create", map[string]any{"policy_id": created.ID})
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	p, err := s.policies.Get(r.Context(), scope, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	identity, _ := identityFromContext(r.Context())
	var p model.Policy
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, controlValidation("malformed request body: "+err.Error()))
		return
	}
	p.ID = chi.URLParam(r, "id")
	updated, err := s.policies.Update(r.Context(), scope, identity.AllowProductionWrite, p)
	if err != nil {
		writeError(w, err)
		return
	}
	s.auditConfigChange(scope, identityOf(r), "policy.update", map[string]any{"policy_id": updated.ID})
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleRetirePolicy(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.policies.Retire(r.Context(), scope, id); err != nil {
		writeError(w, err)
		return
	}
	s.auditConfigChange(scope, identityOf(r), "policy.retire", map[string]any{"policy_id": id})
	w.WriteHeader(http.StatusNoContent)
}

// handlePromotePolicy runs policy.Service.Promote synchronously,
// including its rebuild hook for each affected PEP, and replies
// 202+Location pointing at the new production policy (§4.1).
func (s *Server) handlePromotePolicy(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	identity, _ := identityFromContext(r.Context())
	if scope.Environment != model.EnvSandbox {
		writeError(w, controlValidation("promote is only valid from the sandbox environment"))
		return
	}
	actor := identity.Subject
	if actor == "" {
		actor = identity.TenantID
	}
	prod, err := s.policies.Promote(r.Context(), scope.TenantID, id, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	s.auditConfigChange(scope, identityOf(r), "policy.promote", map[string]any{"sandbox_id": id, "production_id": prod.ID})
	w.Header().Set("Location", "/policies/"+prod.ID+"?environment=production")
	writeJSON(w, http.StatusAccepted, prod)
}

func (s *Server) handleConflictCheck(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	var p model.Policy
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, controlValidation("malformed request body: "+err.Error()))
		return
	}
	conflicts, err := s.policies.ConflictCheck(r.Context(), scope, p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.policies.ListTemplates(r.Context(), r.URL.Query().Get("category"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, templates)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.policies.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleInstantiateTemplate(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	var body struct {
		Values          map[string]string `json:"values"`
		TargetResources []string          `json:"target_resources"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, controlValidation("malformed request body: "+err.Error()))
		return
	}
	p, err := s.policies.InstantiateTemplate(r.Context(), scope, chi.URLParam(r, "id"), body.Values, body.TargetResources)
	if err != nil {
		writeError(w, err)
		return
	}
	s.auditConfigChange(scope, identityOf(r), "policy.instantiate_template", map[string]any{"policy_id": p.ID, "template_id": chi.URLParam(r, "id")})
	writeJSON(w, http.StatusCreated, p)
}

func identityOf(r *http.Request) string {
	identity, ok := identityFromContext(r.Context())
	if !ok || identity.Subject == "" {
		return "unknown"
	}
	return identity.Subject
}
