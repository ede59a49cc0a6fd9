package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/controlcoreio/control-core/internal/model"
)

func (s *Server) handleListPipConnections(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	skip, limit := pagination(r)
	conns, err := s.store.ListPipConnections(r.Context(), scope, skip, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conns)
}

func (s *Server) handleCreatePipConnection(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	var body struct {
		model.PipConnection
		Credential string `json:"credential"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, controlValidation("malformed request body: "+err.Error()))
		return
	}
	if body.ID == "" {
		body.ID = uuid.NewString()
	}
	if body.Credential != "" {
		vaultID := "pip-" + body.ID
		if err := s.vault.Put(r.Context(), scope.TenantID, vaultID, body.Credential); err != nil {
			writeError(w, controlValidation("seal connection credential: "+err.Error()))
			return
		}
		body.CredentialVaultID = vaultID
	}
	if err := s.store.CreatePipConnection(r.Context(), scope, body.PipConnection); err != nil {
		writeError(w, controlValidation("create pip connection: "+err.Error()))
		return
	}
	s.auditConfigChange(scope, identityOf(r), "pip_connection.create", map[string]any{"connection_id": body.ID})
	resp := body.PipConnection
	resp.CredentialVaultID = "" // never echo the vault ID that resolves to a live secret
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetPipConnection(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	conn, err := s.store.GetPipConnection(r.Context(), scope, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, controlNotFoundErr("pip connection", chi.URLParam(r, "id")))
		return
	}
	conn.CredentialVaultID = ""
	writeJSON(w, http.StatusOK, conn)
}

// handlePipWebhook receives an inbound push from an attribute
// provider (e.g. an IdP's group-membership change webhook) and
// invalidates the matching connection's cached attributes so the next
// decision re-fetches fresh data instead of serving a stale value for
// up to its full TTL.
func (s *Server) handlePipWebhook(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	var body struct {
		ConnectionID string `json:"connection_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, controlValidation("malformed webhook payload: "+err.Error()))
		return
	}
	s.pipCache.Invalidate(scope.TenantID, scope.Environment, body.ConnectionID)
	if err := s.store.TouchPipSync(r.Context(), scope.TenantID, scope.Environment, body.ConnectionID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
