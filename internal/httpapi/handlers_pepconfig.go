package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/controlcoreio/control-core/internal/configmerge"
	"github.com/controlcoreio/control-core/internal/model"
)

func (s *Server) handleGetGlobalConfig(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	cfg, err := s.store.GetGlobalConfig(r.Context(), scope.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutGlobalConfig(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	var cfg model.GlobalPepConfig
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, controlValidation("malformed request body: "+err.Error()))
		return
	}
	cfg.TenantID = scope.TenantID
	if err := validateGlobalConfig(cfg); err != nil {
		writeError(w, controlValidation(err.Error()))
		return
	}
	if err := s.store.UpsertGlobalConfig(r.Context(), scope.TenantID, cfg); err != nil {
		writeError(w, controlValidation("save global config: "+err.Error()))
		return
	}
	s.auditConfigChange(scope, identityOf(r), "pep_config.global.update", nil)
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleGetIndividualConfig(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	cfg, err := s.store.GetIndividualConfig(r.Context(), scope.TenantID, chi.URLParam(r, "pep_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutIndividualConfig(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	var cfg model.IndividualPepConfig
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, controlValidation("malformed request body: "+err.Error()))
		return
	}
	cfg.TenantID = scope.TenantID
	cfg.PepID = chi.URLParam(r, "pep_id")
	if err := validateIndividualConfig(cfg); err != nil {
		writeError(w, controlValidation(err.Error()))
		return
	}
	if err := s.store.UpsertIndividualConfig(r.Context(), scope.TenantID, cfg); err != nil {
		writeError(w, controlValidation("save individual config: "+err.Error()))
		return
	}
	s.auditConfigChange(scope, identityOf(r), "pep_config.individual.update", map[string]any{"pep_id": cfg.PepID})
	writeJSON(w, http.StatusOK, cfg)
}

// handlePollEffectiveConfig and handleFetchBundle are the two
// endpoints a deployed PEP itself drives against. Besides the bearer
// token authMiddleware requires, the coordinator checks the PEP's
// registration token; they sit outside tenantScopeMiddleware and take
// the tenant ID and token from the ?tenant_id= and ?token= query
// parameters instead of the ?environment= scope.
func (s *Server) handlePollEffectiveConfig(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	token := r.URL.Query().Get("token")
	pepID := chi.URLParam(r, "pep_id")
	resp, err := s.coordinator.PollEffectiveConfig(r.Context(), tenantID, pepID, token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFetchBundle(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	token := r.URL.Query().Get("token")
	known := r.URL.Query().Get("known_version")
	pepID := chi.URLParam(r, "pep_id")
	result, err := s.coordinator.FetchBundle(r.Context(), tenantID, pepID, token, known)
	if err != nil {
		writeError(w, err)
		return
	}
	if result.NotModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, result.Bundle)
}

func validateGlobalConfig(c model.GlobalPepConfig) error {
	eff := configmerge.EffectiveConfig{
		FailPolicy:             c.FailPolicy,
		DefaultSecurityPosture: c.DefaultSecurityPosture,
		SidecarPort:            c.SidecarPort,
		SidecarTrafficMode:     c.SidecarTrafficMode,
		SidecarCPULimit:        c.SidecarCPULimit,
		SidecarMemoryLimit:     c.SidecarMemoryLimit,
	}
	return configmerge.ValidateWrite(eff)
}

func validateIndividualConfig(c model.IndividualPepConfig) error {
	eff := configmerge.EffectiveConfig{}
	if c.FailPolicy != nil {
		eff.FailPolicy = *c.FailPolicy
	}
	if c.DefaultSecurityPosture != nil {
		eff.DefaultSecurityPosture = *c.DefaultSecurityPosture
	}
	if c.SidecarPort != nil {
		eff.SidecarPort = *c.SidecarPort
	}
	if c.SidecarTrafficMode != nil {
		eff.SidecarTrafficMode = *c.SidecarTrafficMode
	}
	if c.SidecarCPULimit != nil {
		eff.SidecarCPULimit = *c.SidecarCPULimit
	}
	if c.SidecarMemoryLimit != nil {
		eff.SidecarMemoryLimit = *c.SidecarMemoryLimit
	}
	return configmerge.ValidateWrite(eff)
}
