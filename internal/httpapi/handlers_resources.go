package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/controlcoreio/control-core/internal/model"
)

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	skip, limit := pagination(r)
	resources, err := s.store.ListResources(r.Context(), scope, skip, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resources)
}

func (s *Server) handleCreateResource(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	var res model.Resource
	if err := decodeJSON(r, &res); err != nil {
		writeError(w, controlValidation("malformed request body: "+err.Error()))
		return
	}
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	if err := s.store.CreateResource(r.Context(), scope, res); err != nil {
		writeError(w, controlValidation("create resource: "+err.Error()))
		return
	}
	s.auditConfigChange(scope, identityOf(r), "resource.create", map[string]any{"resource_id": res.ID})
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	res, err := s.store.GetResource(r.Context(), scope, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, controlNotFoundErr("resource", chi.URLParam(r, "id")))
		return
	}
	writeJSON(w, http.StatusOK, res)
}
