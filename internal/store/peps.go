package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/controlcoreio/control-core/internal/model"
	"github.com/controlcoreio/control-core/internal/tenant"
)

func (s *Store) CreatePep(ctx context.Context, p model.Pep) error {
	assigned, err := json.Marshal(p.AssignedPolicies)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO peps (id, tenant_id, environment, mode, external_id, registration_token, assigned_policies, last_seen, unhealthy, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, 0, ?)
	`, p.ID, p.TenantID, p.Environment, p.Mode, p.ExternalID, p.RegistrationToken, string(assigned), nowRFC3339())
	return err
}

// FindPepByExternalID implements PEP registration idempotency: a repeated
// register() call for the same (tenant, environment, external id)
// returns the existing row instead of creating a duplicate.
func (s *Store) FindPepByExternalID(ctx context.Context, tenantID string, env model.Environment, externalID string) (model.Pep, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, environment, mode, external_id, registration_token, assigned_policies, last_seen, unhealthy, created_at
		FROM peps WHERE tenant_id=? AND environment=? AND external_id=?
	`, tenantID, env, externalID)
	p, err := scanPep(row)
	if err == sql.ErrNoRows {
		return model.Pep{}, false, nil
	}
	if err != nil {
		return model.Pep{}, false, err
	}
	return p, true, nil
}

func (s *Store) GetPep(ctx context.Context, scope tenant.Scope, id string) (model.Pep, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, environment, mode, external_id, registration_token, assigned_policies, last_seen, unhealthy, created_at
		FROM peps WHERE tenant_id=? AND id=? AND environment=?
	`, scope.TenantID, id, scope.Environment)
	return scanPep(row)
}

// GetPepAnyEnv is used by the PEP coordinator's poll/heartbeat
// endpoints, which authenticate by registration token alone; the PEP's
// environment is immutable so this is safe (§3 invariant).
func (s *Store) GetPepAnyEnv(ctx context.Context, tenantID, id string) (model.Pep, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, environment, mode, external_id, registration_token, assigned_policies, last_seen, unhealthy, created_at
		FROM peps WHERE tenant_id=? AND id=?
	`, tenantID, id)
	return scanPep(row)
}

func (s *Store) ListPeps(ctx context.Context, scope tenant.Scope, skip, limit int) ([]model.Pep, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, environment, mode, external_id, registration_token, assigned_policies, last_seen, unhealthy, created_at
		FROM peps WHERE tenant_id=? AND environment=? ORDER BY created_at ASC LIMIT ? OFFSET ?
	`, scope.TenantID, scope.Environment, limit, skip)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Pep
	for rows.Next() {
		p, err := scanPepRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) Heartbeat(ctx context.Context, tenantID, id string, unhealthy bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE peps SET last_seen=?, unhealthy=? WHERE tenant_id=? AND id=?
	`, nowRFC3339(), boolToInt(unhealthy), tenantID, id)
	return err
}

func (s *Store) MarkUnhealthy(ctx context.Context, tenantID, id string, unhealthy bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE peps SET unhealthy=? WHERE tenant_id=? AND id=?`, boolToInt(unhealthy), tenantID, id)
	return err
}

func (s *Store) AssignPolicies(ctx context.Context, scope tenant.Scope, pepID string, policyIDs []string) error {
	b, err := json.Marshal(policyIDs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE peps SET assigned_policies=? WHERE tenant_id=? AND id=? AND environment=?
	`, string(b), scope.TenantID, pepID, scope.Environment)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// ListPepsForPolicy returns every PEP (any environment matching the
// policy's own environment) whose assignment includes policyID — used
// by promote() to find which production PEPs need a bundle rebuild.
func (s *Store) ListPepsForPolicy(ctx context.Context, tenantID string, env model.Environment, policyID string) ([]model.Pep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, environment, mode, external_id, registration_token, assigned_policies, last_seen, unhealthy, created_at
		FROM peps WHERE tenant_id=? AND environment=?
	`, tenantID, env)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Pep
	for rows.Next() {
		p, err := scanPepRows(rows)
		if err != nil {
			return nil, err
		}
		for _, assigned := range p.AssignedPolicies {
			if assigned == policyID {
				out = append(out, p)
				break
			}
		}
	}
	return out, rows.Err()
}

func scanPep(row *sql.Row) (model.Pep, error) {
	var p model.Pep
	var assigned string
	var lastSeen sql.NullString
	var unhealthy int
	if err := row.Scan(&p.ID, &p.TenantID, &p.Environment, &p.Mode, &p.ExternalID, &p.RegistrationToken, &assigned, &lastSeen, &unhealthy, &p.CreatedAt); err != nil {
		return model.Pep{}, err
	}
	return finishPep(p, assigned, lastSeen, unhealthy)
}

func scanPepRows(rows *sql.Rows) (model.Pep, error) {
	var p model.Pep
	var assigned string
	var lastSeen sql.NullString
	var unhealthy int
	if err := rows.Scan(&p.ID, &p.TenantID, &p.Environment, &p.Mode, &p.ExternalID, &p.RegistrationToken, &assigned, &lastSeen, &unhealthy, &p.CreatedAt); err != nil {
		return model.Pep{}, err
	}
	return finishPep(p, assigned, lastSeen, unhealthy)
}

func finishPep(p model.Pep, assigned string, lastSeen sql.NullString, unhealthy int) (model.Pep, error) {
	if err := json.Unmarshal([]byte(assigned), &p.AssignedPolicies); err != nil {
		return model.Pep{}, err
	}
	p.LastSeen = parseTime(lastSeen.String)
	p.Unhealthy = unhealthy != 0
	return p, nil
}
