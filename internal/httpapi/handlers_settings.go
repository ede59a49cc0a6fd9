package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.temporal.io/sdk/client"

	"github.com/controlcoreio/control-core/internal/model"
	"github.com/controlcoreio/control-core/internal/policy"
	"github.com/controlcoreio/control-core/internal/vault"
	"github.com/controlcoreio/control-core/internal/workflow"
)

func (s *Server) handleGetGitConfig(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	cfg, err := s.store.GetGitConfig(r.Context(), scope.TenantID)
	if err != nil {
		writeError(w, controlNotFoundErr("git config for tenant", scope.TenantID))
		return
	}
	cfg.CredentialVaultID = vault.MaskedPlaceholder
	if cfg.WebhookSecretVaultID != "" {
		cfg.WebhookSecretVaultID = vault.MaskedPlaceholder
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutGitConfig(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	var body struct {
		model.GitConfig
		Credential    string `json:"credential"`
		WebhookSecret string `json:"webhook_secret"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, controlValidation("malformed request body: "+err.Error()))
		return
	}
	body.TenantID = scope.TenantID
	if body.Credential != "" {
		vaultID := "git-" + scope.TenantID
		if err := s.vault.Put(r.Context(), scope.TenantID, vaultID, body.Credential); err != nil {
			writeError(w, controlValidation("seal git credential: "+err.Error()))
			return
		}
		body.CredentialVaultID = vaultID
	}
	if body.WebhookSecret != "" {
		vaultID := "git-webhook-" + scope.TenantID
		if err := s.vault.Put(r.Context(), scope.TenantID, vaultID, body.WebhookSecret); err != nil {
			writeError(w, controlValidation("seal webhook secret: "+err.Error()))
			return
		}
		body.WebhookSecretVaultID = vaultID
	}
	if err := s.store.UpsertGitConfig(r.Context(), body.GitConfig); err != nil {
		writeError(w, controlValidation("save git config: "+err.Error()))
		return
	}
	s.auditConfigChange(scope, identityOf(r), "git_config.update", nil)
	resp := body.GitConfig
	resp.CredentialVaultID = vault.MaskedPlaceholder
	if resp.WebhookSecretVaultID != "" {
		resp.WebhookSecretVaultID = vault.MaskedPlaceholder
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleTriggerGitSync starts a durable push or pull (the body's
// direction) of the scoped environment via the Temporal-backed
// GitSyncWorkflow instead of syncing in the request path, so the
// bounded-ceiling retry §4.6 requires on a failure is Temporal's retry
// policy rather than a blocking HTTP call (replies 202+Location, as
// handlePromotePolicy does).
func (s *Server) handleTriggerGitSync(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	if s.temporal == nil {
		writeError(w, controlUpstreamFailure("git sync workflow dispatch is not configured"))
		return
	}
	var body struct {
		Direction string `json:"direction"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, controlValidation("malformed request body: "+err.Error()))
		return
	}
	if body.Direction != "push" && body.Direction != "pull" {
		writeError(w, controlValidation("direction must be \"push\" or \"pull\""))
		return
	}
	run, err := s.temporal.ExecuteWorkflow(r.Context(), client.StartWorkflowOptions{
		TaskQueue: s.taskQueue,
	}, workflow.GitSyncWorkflow, workflow.GitSyncRequest{
		TenantID:    scope.TenantID,
		Environment: string(scope.Environment),
		Direction:   body.Direction,
		Actor:       identityOf(r),
	})
	if err != nil {
		writeError(w, controlUpstreamFailure("start git sync workflow: "+err.Error()))
		return
	}
	s.auditConfigChange(scope, identityOf(r), "git_config.sync_triggered", map[string]any{"direction": body.Direction, "workflow_run_id": run.GetRunID()})
	w.Header().Set("Location", "/settings/git-config")
	writeJSON(w, http.StatusAccepted, map[string]any{"workflow_id": run.GetID(), "run_id": run.GetRunID()})
}

// handleGitHubWebhook is the push-triggered pull endpoint GitHub
// itself calls (spec §4.6 webhook-driven pull trigger). It is the one
// tenant route outside the bearer-token auth chain, since GitHub
// authenticates the delivery with its own HMAC signature rather than
// a bearer token.
func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeError(w, controlValidation("missing ?tenant_id="))
		return
	}
	cfg, err := s.store.GetGitConfig(r.Context(), tenantID)
	if err != nil {
		writeError(w, controlNotFoundErr("git config for tenant", tenantID))
		return
	}
	push, err := s.syncer.VerifyPushWebhook(r.Context(), tenantID, cfg, r)
	if err != nil {
		writeError(w, controlValidation(err.Error()))
		return
	}
	if !push.IsDefault {
		writeJSON(w, http.StatusOK, map[string]any{"pulled": false, "reason": "not the synced branch", "ref": push.Ref})
		return
	}
	results, err := s.syncer.Pull(r.Context(), tenantID, model.EnvSandbox, nil, policy.ValidateSource)
	if err != nil {
		writeError(w, controlUpstreamFailure(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pulled": true, "head_sha": push.HeadSHA, "results": results})
}

func (s *Server) handleTestGitConfig(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	cfg, err := s.store.GetGitConfig(r.Context(), scope.TenantID)
	if err != nil {
		writeError(w, controlNotFoundErr("git config for tenant", scope.TenantID))
		return
	}
	if err := s.syncer.TestConnection(r.Context(), scope.TenantID, cfg); err != nil {
		writeError(w, controlUpstreamFailure(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleListNotificationRules(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	rules, err := s.store.ListNotificationRules(r.Context(), scope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleCreateNotificationRule(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	var rule model.NotificationRule
	if err := decodeJSON(r, &rule); err != nil {
		writeError(w, controlValidation("malformed request body: "+err.Error()))
		return
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	rule.Enabled = true
	if err := s.store.CreateNotificationRule(r.Context(), scope, rule); err != nil {
		writeError(w, controlValidation("create notification rule: "+err.Error()))
		return
	}
	s.auditConfigChange(scope, identityOf(r), "notification_rule.create", map[string]any{"rule_id": rule.ID})
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleDeleteNotificationRule(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.store.DeleteNotificationRule(r.Context(), scope, id); err != nil {
		writeError(w, controlNotFoundErr("notification rule", id))
		return
	}
	s.auditConfigChange(scope, identityOf(r), "notification_rule.delete", map[string]any{"rule_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetNotificationCredential(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	cred, err := s.store.GetNotificationCredential(r.Context(), scope.TenantID)
	if err != nil {
		writeError(w, controlNotFoundErr("notification credential for tenant", scope.TenantID))
		return
	}
	cred.CredentialVaultID = vault.MaskedPlaceholder
	writeJSON(w, http.StatusOK, cred)
}

func (s *Server) handlePutNotificationCredential(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeOrInternalError(w, r)
	if !ok {
		return
	}
	var body struct {
		ChannelKind model.NotificationChannelKind `json:"channel_kind"`
		Credential  string                        `json:"credential"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, controlValidation("malformed request body: "+err.Error()))
		return
	}
	vaultID := "notify-" + scope.TenantID
	if err := s.vault.Put(r.Context(), scope.TenantID, vaultID, body.Credential); err != nil {
		writeError(w, controlValidation("seal notification credential: "+err.Error()))
		return
	}
	cred := model.NotificationCredential{
		TenantID:          scope.TenantID,
		ChannelKind:       body.ChannelKind,
		CredentialVaultID: vaultID,
	}
	if err := s.store.UpsertNotificationCredential(r.Context(), cred); err != nil {
		writeError(w, controlValidation("save notification credential: "+err.Error()))
		return
	}
	s.auditConfigChange(scope, identityOf(r), "notification_credential.update", nil)
	cred.CredentialVaultID = vault.MaskedPlaceholder
	writeJSON(w, http.StatusOK, cred)
}
