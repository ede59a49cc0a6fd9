package store

import (
	"context"
	"database/sql"

	"github.com/controlcoreio/control-core/internal/model"
	"github.com/controlcoreio/control-core/internal/tenant"
)

func (s *Store) CreateNotificationRule(ctx context.Context, scope tenant.Scope, r model.NotificationRule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_rules (id, tenant_id, environment, channel_kind, event_kind, target, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, scope.TenantID, scope.Environment, r.ChannelKind, r.EventKind, r.Target, boolToInt(r.Enabled))
	return err
}

func (s *Store) ListNotificationRules(ctx context.Context, scope tenant.Scope) ([]model.NotificationRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, environment, channel_kind, event_kind, target, enabled
		FROM notification_rules WHERE tenant_id=? AND environment=?
	`, scope.TenantID, scope.Environment)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.NotificationRule
	for rows.Next() {
		var r model.NotificationRule
		var enabled int
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Environment, &r.ChannelKind, &r.EventKind, &r.Target, &enabled); err != nil {
			return nil, err
		}
		r.Enabled = enabled != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRulesForEvent is used by the notification dispatcher: every
// enabled rule across a tenant+environment matching eventKind.
func (s *Store) ListRulesForEvent(ctx context.Context, tenantID string, env model.Environment, eventKind string) ([]model.NotificationRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, environment, channel_kind, event_kind, target, enabled
		FROM notification_rules WHERE tenant_id=? AND environment=? AND event_kind=? AND enabled=1
	`, tenantID, env, eventKind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.NotificationRule
	for rows.Next() {
		var r model.NotificationRule
		var enabled int
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Environment, &r.ChannelKind, &r.EventKind, &r.Target, &enabled); err != nil {
			return nil, err
		}
		r.Enabled = enabled != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) DeleteNotificationRule(ctx context.Context, scope tenant.Scope, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM notification_rules WHERE tenant_id=? AND id=? AND environment=?
	`, scope.TenantID, id, scope.Environment)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// UpsertNotificationCredential stores the single shared credential a
// tenant's notification rules draw on, regardless of environment.
func (s *Store) UpsertNotificationCredential(ctx context.Context, c model.NotificationCredential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_credentials (tenant_id, channel_kind, credential_vault_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			channel_kind=excluded.channel_kind, credential_vault_id=excluded.credential_vault_id, updated_at=excluded.updated_at
	`, c.TenantID, c.ChannelKind, c.CredentialVaultID, nowRFC3339())
	return err
}

func (s *Store) GetNotificationCredential(ctx context.Context, tenantID string) (model.NotificationCredential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, channel_kind, credential_vault_id, updated_at
		FROM notification_credentials WHERE tenant_id=?
	`, tenantID)
	var c model.NotificationCredential
	err := row.Scan(&c.TenantID, &c.ChannelKind, &c.CredentialVaultID, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return model.NotificationCredential{}, err
	}
	return c, err
}
