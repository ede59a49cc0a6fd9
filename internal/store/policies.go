package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/controlcoreio/control-core/internal/model"
	"github.com/controlcoreio/control-core/internal/tenant"
)

func (s *Store) CreatePolicy(ctx context.Context, scope tenant.Scope, p model.Policy) error {
	targets, err := json.Marshal(p.TargetResources)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policies (
			id, tenant_id, name, description, source, target_resources, effect, folder,
			environment, sandbox_status, production_status, promoted_from_sandbox,
			promoted_at, promoted_by, sandbox_ancestor_id, template_id, retired,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, p.ID, scope.TenantID, p.Name, p.Description, p.Source, string(targets), p.Effect, p.Folder,
		p.Environment, p.SandboxStatus, p.ProductionStatus, boolToInt(p.PromotedFromSandbox),
		nullableTime(p.PromotedAt), nullString(stringOrNull(p.PromotedBy)), nullString(stringOrNull(p.SandboxAncestorID)),
		nullString(stringOrNull(p.TemplateID)), nowRFC3339(), nowRFC3339())
	return err
}

func (s *Store) GetPolicy(ctx context.Context, scope tenant.Scope, id string) (model.Policy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, description, source, target_resources, effect, folder,
			environment, sandbox_status, production_status, promoted_from_sandbox,
			promoted_at, promoted_by, sandbox_ancestor_id, template_id, retired, created_at, updated_at
		FROM policies WHERE tenant_id = ? AND id = ?
	`, scope.TenantID, id)
	return scanPolicy(row)
}

// ListPolicies applies the environment filter uniformly; omitting it
// at the HTTP layer defaults to sandbox before reaching here (§4.9).
func (s *Store) ListPolicies(ctx context.Context, scope tenant.Scope, skip, limit int) ([]model.Policy, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, description, source, target_resources, effect, folder,
			environment, sandbox_status, production_status, promoted_from_sandbox,
			promoted_at, promoted_by, sandbox_ancestor_id, template_id, retired, created_at, updated_at
		FROM policies WHERE tenant_id = ? AND environment = ? AND retired = 0
		ORDER BY created_at ASC LIMIT ? OFFSET ?
	`, scope.TenantID, scope.Environment, limit, skip)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Policy
	for rows.Next() {
		p, err := scanPolicyRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListEnabledForResources is used by the bundle builder: every
// enabled, non-retired policy in scope whose target resource set
// intersects resourceIDs.
func (s *Store) ListEnabledForResources(ctx context.Context, scope tenant.Scope, resourceIDs []string) ([]model.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, description, source, target_resources, effect, folder,
			environment, sandbox_status, production_status, promoted_from_sandbox,
			promoted_at, promoted_by, sandbox_ancestor_id, template_id, retired, created_at, updated_at
		FROM policies WHERE tenant_id = ? AND environment = ? AND retired = 0 AND folder = 'enabled'
	`, scope.TenantID, scope.Environment)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	wanted := map[string]bool{}
	for _, r := range resourceIDs {
		wanted[r] = true
	}
	var out []model.Policy
	for rows.Next() {
		p, err := scanPolicyRows(rows)
		if err != nil {
			return nil, err
		}
		if len(resourceIDs) == 0 {
			out = append(out, p)
			continue
		}
		for _, t := range p.TargetResources {
			if wanted[t] {
				out = append(out, p)
				break
			}
		}
	}
	return out, rows.Err()
}

func (s *Store) UpdatePolicy(ctx context.Context, scope tenant.Scope, p model.Policy) error {
	targets, err := json.Marshal(p.TargetResources)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE policies SET name=?, description=?, source=?, target_resources=?, effect=?, folder=?,
			sandbox_status=?, production_status=?, updated_at=?
		WHERE tenant_id=? AND id=? AND environment=?
	`, p.Name, p.Description, p.Source, string(targets), p.Effect, p.Folder,
		p.SandboxStatus, p.ProductionStatus, nowRFC3339(), scope.TenantID, p.ID, scope.Environment)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// PromoteTx atomically copies the sandbox policy sandboxID into a new
// production row, linking the ancestor. Caller supplies the already
// materialized production copy and the new production policy ID.
func (s *Store) PromoteTx(ctx context.Context, tenantID, sandboxID string, prod model.Policy) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var existingStatus string
	err = tx.QueryRowContext(ctx, `SELECT production_status FROM policies WHERE tenant_id=? AND id=?`,
		tenantID, sandboxID).Scan(&existingStatus)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if existingStatus == string(model.StatusActive) || existingStatus == string(model.StatusPending) {
		return fmt.Errorf("conflict: policy %s already promoted", sandboxID)
	}

	targets, err := json.Marshal(prod.TargetResources)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO policies (
			id, tenant_id, name, description, source, target_resources, effect, folder,
			environment, sandbox_status, production_status, promoted_from_sandbox,
			promoted_at, promoted_by, sandbox_ancestor_id, template_id, retired, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'production', 'not-promoted', ?, 1, ?, ?, ?, ?, 0, ?, ?)
	`, prod.ID, tenantID, prod.Name, prod.Description, prod.Source, string(targets), prod.Effect, prod.Folder,
		prod.ProductionStatus, nowRFC3339(), prod.PromotedBy, sandboxID, prod.TemplateID, nowRFC3339(), nowRFC3339()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE policies SET production_status='active', updated_at=? WHERE tenant_id=? AND id=?
	`, nowRFC3339(), tenantID, sandboxID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) RetirePolicy(ctx context.Context, scope tenant.Scope, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE policies SET retired=1, folder='disabled', updated_at=? WHERE tenant_id=? AND id=? AND environment=?
	`, nowRFC3339(), scope.TenantID, id, scope.Environment)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func scanPolicy(row *sql.Row) (model.Policy, error) {
	var p model.Policy
	var targets string
	var promotedAt, promotedBy, ancestor, templateID sql.NullString
	var retired int
	err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.Description, &p.Source, &targets, &p.Effect, &p.Folder,
		&p.Environment, &p.SandboxStatus, &p.ProductionStatus, &p.PromotedFromSandbox,
		&promotedAt, &promotedBy, &ancestor, &templateID, &retired, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return model.Policy{}, err
	}
	return finishPolicy(p, targets, promotedAt, promotedBy, ancestor, templateID, retired)
}

func scanPolicyRows(rows *sql.Rows) (model.Policy, error) {
	var p model.Policy
	var targets string
	var promotedAt, promotedBy, ancestor, templateID sql.NullString
	var retired int
	err := rows.Scan(&p.ID, &p.TenantID, &p.Name, &p.Description, &p.Source, &targets, &p.Effect, &p.Folder,
		&p.Environment, &p.SandboxStatus, &p.ProductionStatus, &p.PromotedFromSandbox,
		&promotedAt, &promotedBy, &ancestor, &templateID, &retired, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return model.Policy{}, err
	}
	return finishPolicy(p, targets, promotedAt, promotedBy, ancestor, templateID, retired)
}

func finishPolicy(p model.Policy, targets string, promotedAt, promotedBy, ancestor, templateID sql.NullString, retired int) (model.Policy, error) {
	if err := json.Unmarshal([]byte(targets), &p.TargetResources); err != nil {
		return model.Policy{}, err
	}
	p.PromotedAt = parseTime(promotedAt.String)
	p.PromotedBy = promotedBy.String
	p.SandboxAncestorID = ancestor.String
	p.TemplateID = templateID.String
	p.Retired = retired != 0
	return p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func stringOrNull(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
