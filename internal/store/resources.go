package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/controlcoreio/control-core/internal/model"
	"github.com/controlcoreio/control-core/internal/tenant"
)

func (s *Store) CreateResource(ctx context.Context, scope tenant.Scope, r model.Resource) error {
	rules, err := json.Marshal(r.FingerprintRules)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO resources (id, tenant_id, environment, name, original_host, production_host, fingerprint_rules, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, scope.TenantID, scope.Environment, r.Name, r.OriginalHost, r.ProductionHost, string(rules), nowRFC3339(), nowRFC3339())
	return err
}

func (s *Store) GetResource(ctx context.Context, scope tenant.Scope, id string) (model.Resource, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, environment, name, original_host, production_host, fingerprint_rules, created_at, updated_at
		FROM resources WHERE tenant_id=? AND id=? AND environment=?
	`, scope.TenantID, id, scope.Environment)
	return scanResource(row)
}

func (s *Store) ListResources(ctx context.Context, scope tenant.Scope, skip, limit int) ([]model.Resource, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, environment, name, original_host, production_host, fingerprint_rules, created_at, updated_at
		FROM resources WHERE tenant_id=? AND environment=? ORDER BY created_at ASC LIMIT ? OFFSET ?
	`, scope.TenantID, scope.Environment, limit, skip)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Resource
	for rows.Next() {
		var r model.Resource
		var rules string
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Environment, &r.Name, &r.OriginalHost, &r.ProductionHost, &rules, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(rules), &r.FingerprintRules); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanResource(row *sql.Row) (model.Resource, error) {
	var r model.Resource
	var rules string
	if err := row.Scan(&r.ID, &r.TenantID, &r.Environment, &r.Name, &r.OriginalHost, &r.ProductionHost, &rules, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return model.Resource{}, err
	}
	if err := json.Unmarshal([]byte(rules), &r.FingerprintRules); err != nil {
		return model.Resource{}, err
	}
	return r, nil
}

// MatchResource applies the fingerprint rules of every resource in
// scope to (host, path, headers) and returns the first logical match.
func (s *Store) MatchResource(ctx context.Context, scope tenant.Scope, host, path string, headers map[string]string) (model.Resource, bool, error) {
	resources, err := s.ListResources(ctx, scope, 0, 500)
	if err != nil {
		return model.Resource{}, false, err
	}
	for _, r := range resources {
		if resourceMatches(r, host, path, headers) {
			return r, true, nil
		}
	}
	return model.Resource{}, false, nil
}

func resourceMatches(r model.Resource, host, path string, headers map[string]string) bool {
	if len(r.FingerprintRules) == 0 {
		return r.OriginalHost == host || r.ProductionHost == host
	}
	for _, rule := range r.FingerprintRules {
		switch rule.Kind {
		case "host":
			if rule.Value == host {
				return true
			}
		case "path-prefix":
			if len(path) >= len(rule.Value) && path[:len(rule.Value)] == rule.Value {
				return true
			}
		case "header":
			if headers[rule.Key] == rule.Value {
				return true
			}
		}
	}
	return false
}
