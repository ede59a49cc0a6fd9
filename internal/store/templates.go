package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/controlcoreio/control-core/internal/model"
)

// Policy templates carry no tenant scope: they are a shared, curated
// catalog every tenant reads from but none can mutate through the API.

func (s *Store) PutPolicyTemplate(ctx context.Context, t model.PolicyTemplate) error {
	tags, err := json.Marshal(t.ComplianceTags)
	if err != nil {
		return err
	}
	params, err := json.Marshal(t.Parameters)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policy_templates (id, name, description, category, risk_level, compliance_tags, source, default_effect, parameters)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, description=excluded.description, category=excluded.category,
			risk_level=excluded.risk_level, compliance_tags=excluded.compliance_tags,
			source=excluded.source, default_effect=excluded.default_effect, parameters=excluded.parameters
	`, t.ID, t.Name, t.Description, t.Category, t.RiskLevel, string(tags), t.Source, t.DefaultEffect, string(params))
	return err
}

func (s *Store) GetPolicyTemplate(ctx context.Context, id string) (model.PolicyTemplate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, category, risk_level, compliance_tags, source, default_effect, parameters
		FROM policy_templates WHERE id=?
	`, id)
	return scanTemplate(row)
}

func (s *Store) ListPolicyTemplates(ctx context.Context, category string) ([]model.PolicyTemplate, error) {
	query := `SELECT id, name, description, category, risk_level, compliance_tags, source, default_effect, parameters FROM policy_templates`
	var args []any
	if category != "" {
		query += ` WHERE category=?`
		args = append(args, category)
	}
	query += ` ORDER BY name ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.PolicyTemplate
	for rows.Next() {
		var t model.PolicyTemplate
		var tags, params string
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.Category, &t.RiskLevel, &tags, &t.Source, &t.DefaultEffect, &params); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tags), &t.ComplianceTags); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(params), &t.Parameters); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTemplate(row *sql.Row) (model.PolicyTemplate, error) {
	var t model.PolicyTemplate
	var tags, params string
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Category, &t.RiskLevel, &tags, &t.Source, &t.DefaultEffect, &params); err != nil {
		return model.PolicyTemplate{}, err
	}
	if err := json.Unmarshal([]byte(tags), &t.ComplianceTags); err != nil {
		return model.PolicyTemplate{}, err
	}
	if err := json.Unmarshal([]byte(params), &t.Parameters); err != nil {
		return model.PolicyTemplate{}, err
	}
	return t, nil
}
