package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/controlcoreio/control-core/internal/model"
)

func (s *Server) handleListPeps(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	skip, limit := pagination(r)
	peps, err := s.store.ListPeps(r.Context(), scope, skip, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, peps)
}

func (s *Server) handleGetPep(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	pep, err := s.store.GetPep(r.Context(), scope, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, controlNotFoundErr("pep", chi.URLParam(r, "id")))
		return
	}
	writeJSON(w, http.StatusOK, pep)
}

// handleRegisterPep is deliberately outside tenantScopeMiddleware:
// registration takes the tenant ID and environment from the request
// body rather than from the bearer identity and ?environment= query.
// The body's tenant ID is not compared with the bearer identity's.
func (s *Server) handleRegisterPep(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TenantID    string                `json:"tenant_id"`
		Environment model.Environment     `json:"environment"`
		Mode        model.DeploymentMode  `json:"mode"`
		ExternalID  string                `json:"external_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, controlValidation("malformed request body: "+err.Error()))
		return
	}
	pep, err := s.coordinator.Register(r.Context(), body.TenantID, body.Environment, body.Mode, body.ExternalID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pep)
}

func (s *Server) handlePepHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TenantID  string `json:"tenant_id"`
		Token     string `json:"token"`
		Unhealthy bool   `json:"unhealthy"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, controlValidation("malformed request body: "+err.Error()))
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.coordinator.Heartbeat(r.Context(), body.TenantID, id, body.Token, body.Unhealthy); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
