package store

import (
	"database/sql"

	"context"

	"github.com/controlcoreio/control-core/internal/model"
)

func (s *Store) UpsertGitConfig(ctx context.Context, c model.GitConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO git_config (tenant_id, remote_url, auth_kind, credential_vault_id, auto_sync_interval_seconds, conflict_policy, github_app_id, github_installation_id, webhook_secret_vault_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			remote_url=excluded.remote_url, auth_kind=excluded.auth_kind,
			credential_vault_id=excluded.credential_vault_id,
			auto_sync_interval_seconds=excluded.auto_sync_interval_seconds,
			conflict_policy=excluded.conflict_policy,
			github_app_id=excluded.github_app_id,
			github_installation_id=excluded.github_installation_id,
			webhook_secret_vault_id=excluded.webhook_secret_vault_id,
			updated_at=excluded.updated_at
	`, c.TenantID, c.RemoteURL, c.AuthKind, c.CredentialVaultID, c.AutoSyncIntervalSeconds, c.ConflictPolicy, c.GitHubAppID, c.GitHubInstallationID, c.WebhookSecretVaultID, nowRFC3339())
	return err
}

func (s *Store) GetGitConfig(ctx context.Context, tenantID string) (model.GitConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, remote_url, auth_kind, credential_vault_id, auto_sync_interval_seconds, conflict_policy, github_app_id, github_installation_id, webhook_secret_vault_id, updated_at
		FROM git_config WHERE tenant_id=?
	`, tenantID)
	var c model.GitConfig
	err := row.Scan(&c.TenantID, &c.RemoteURL, &c.AuthKind, &c.CredentialVaultID, &c.AutoSyncIntervalSeconds, &c.ConflictPolicy, &c.GitHubAppID, &c.GitHubInstallationID, &c.WebhookSecretVaultID, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return model.GitConfig{}, err
	}
	return c, err
}
