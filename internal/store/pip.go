package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/controlcoreio/control-core/internal/model"
	"github.com/controlcoreio/control-core/internal/tenant"
)

func (s *Store) CreatePipConnection(ctx context.Context, scope tenant.Scope, c model.PipConnection) error {
	mappings, err := json.Marshal(c.AttributeMappings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pip_connections (id, tenant_id, environment, kind, endpoint_url, credential_vault_id,
			attribute_mappings, sync_frequency_seconds, last_sync_at, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?)
	`, c.ID, scope.TenantID, scope.Environment, c.Kind, c.EndpointURL, c.CredentialVaultID,
		string(mappings), int(c.SyncFrequency.Seconds()), "active", nowRFC3339(), nowRFC3339())
	return err
}

func (s *Store) GetPipConnection(ctx context.Context, scope tenant.Scope, id string) (model.PipConnection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, environment, kind, endpoint_url, credential_vault_id, attribute_mappings,
			sync_frequency_seconds, last_sync_at, status, created_at, updated_at
		FROM pip_connections WHERE tenant_id=? AND id=? AND environment=?
	`, scope.TenantID, id, scope.Environment)
	return scanPipConnection(row)
}

func (s *Store) ListPipConnections(ctx context.Context, scope tenant.Scope, skip, limit int) ([]model.PipConnection, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, environment, kind, endpoint_url, credential_vault_id, attribute_mappings,
			sync_frequency_seconds, last_sync_at, status, created_at, updated_at
		FROM pip_connections WHERE tenant_id=? AND environment=? ORDER BY created_at ASC LIMIT ? OFFSET ?
	`, scope.TenantID, scope.Environment, limit, skip)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.PipConnection
	for rows.Next() {
		var c model.PipConnection
		var mappings string
		var lastSync sql.NullString
		var freq int
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Environment, &c.Kind, &c.EndpointURL, &c.CredentialVaultID,
			&mappings, &freq, &lastSync, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(mappings), &c.AttributeMappings); err != nil {
			return nil, err
		}
		c.SyncFrequency = time.Duration(freq) * time.Second
		c.LastSyncAt = parseTime(lastSync.String)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) TouchPipSync(ctx context.Context, tenantID string, env model.Environment, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pip_connections SET last_sync_at=?, updated_at=? WHERE tenant_id=? AND id=? AND environment=?
	`, nowRFC3339(), nowRFC3339(), tenantID, id, env)
	return err
}

func scanPipConnection(row *sql.Row) (model.PipConnection, error) {
	var c model.PipConnection
	var mappings string
	var lastSync sql.NullString
	var freq int
	if err := row.Scan(&c.ID, &c.TenantID, &c.Environment, &c.Kind, &c.EndpointURL, &c.CredentialVaultID,
		&mappings, &freq, &lastSync, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return model.PipConnection{}, err
	}
	if err := json.Unmarshal([]byte(mappings), &c.AttributeMappings); err != nil {
		return model.PipConnection{}, err
	}
	c.SyncFrequency = time.Duration(freq) * time.Second
	c.LastSyncAt = parseTime(lastSync.String)
	return c, nil
}
