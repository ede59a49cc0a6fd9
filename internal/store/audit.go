package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/controlcoreio/control-core/internal/model"
	"github.com/controlcoreio/control-core/internal/tenant"
)

// AppendAuditEntry is the only write path onto audit_log: entries are
// never updated or deleted, matching the audit sink's append-only
// guarantee (§4.11).
func (s *Store) AppendAuditEntry(ctx context.Context, e model.AuditEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (entry_id, tenant_id, environment, actor, type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.EntryID, e.TenantID, e.Environment, e.Actor, e.Type, string(payload), nowRFC3339())
	return err
}

func (s *Store) ListAuditEntries(ctx context.Context, scope tenant.Scope, entryType model.AuditEntryType, skip, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `
		SELECT entry_id, tenant_id, environment, actor, type, payload, created_at
		FROM audit_log WHERE tenant_id=? AND environment=?`
	args := []any{scope.TenantID, scope.Environment}
	if entryType != "" {
		query += ` AND type=?`
		args = append(args, entryType)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, skip)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var payload string
		if err := rows.Scan(&e.EntryID, &e.TenantID, &e.Environment, &e.Actor, &e.Type, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) GetAuditEntry(ctx context.Context, tenantID, entryID string) (model.AuditEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entry_id, tenant_id, environment, actor, type, payload, created_at
		FROM audit_log WHERE tenant_id=? AND entry_id=?
	`, tenantID, entryID)
	var e model.AuditEntry
	var payload string
	if err := row.Scan(&e.EntryID, &e.TenantID, &e.Environment, &e.Actor, &e.Type, &payload, &e.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return model.AuditEntry{}, err
		}
		return model.AuditEntry{}, err
	}
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return model.AuditEntry{}, err
	}
	return e, nil
}
