package store

import (
	"context"

	"github.com/controlcoreio/control-core/internal/model"
	"github.com/controlcoreio/control-core/internal/tenant"
)

func (s *Store) RecordSyncState(ctx context.Context, e model.SyncStateEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (tenant_id, environment, direction, policy_id, status, detail, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.TenantID, e.Environment, e.Direction, e.PolicyID, e.Status, e.Detail, nowRFC3339())
	return err
}

func (s *Store) ListSyncState(ctx context.Context, scope tenant.Scope, skip, limit int) ([]model.SyncStateEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, environment, direction, policy_id, status, detail, occurred_at
		FROM sync_state WHERE tenant_id=? AND environment=? ORDER BY occurred_at DESC LIMIT ? OFFSET ?
	`, scope.TenantID, scope.Environment, limit, skip)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SyncStateEntry
	for rows.Next() {
		var e model.SyncStateEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Environment, &e.Direction, &e.PolicyID, &e.Status, &e.Detail, &e.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
