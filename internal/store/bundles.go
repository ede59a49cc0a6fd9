package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/controlcoreio/control-core/internal/model"
)

func (s *Store) PutBundle(ctx context.Context, b model.Bundle) error {
	modules, err := json.Marshal(b.Modules)
	if err != nil {
		return err
	}
	manifest, err := json.Marshal(b.DataManifest)
	if err != nil {
		return err
	}
	sourceIDs, err := json.Marshal(b.SourcePolicyIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bundles (tenant_id, pep_id, version, modules, data_manifest, checksum, built_at, source_policy_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, pep_id, version) DO UPDATE SET built_at=excluded.built_at
	`, b.TenantID, b.PepID, b.Version, string(modules), string(manifest), b.Checksum, nowRFC3339(), string(sourceIDs))
	return err
}

// LatestBundle returns the most recently built bundle for a PEP, or
// (zero, false, nil) if none has ever been built. Identical inputs
// yield an identical version (§4.5 reproducibility invariant), so
// PutBundle is called unconditionally after every build: a rebuild
// that reproduces a stored version only refreshes its built_at, which
// makes a return to earlier content the latest bundle again.
func (s *Store) LatestBundle(ctx context.Context, tenantID, pepID string) (model.Bundle, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, pep_id, version, modules, data_manifest, checksum, built_at, source_policy_ids
		FROM bundles WHERE tenant_id=? AND pep_id=? ORDER BY built_at DESC LIMIT 1
	`, tenantID, pepID)
	b, err := scanBundle(row)
	if err == sql.ErrNoRows {
		return model.Bundle{}, false, nil
	}
	if err != nil {
		return model.Bundle{}, false, err
	}
	return b, true, nil
}

func (s *Store) GetBundleVersion(ctx context.Context, tenantID, pepID, version string) (model.Bundle, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, pep_id, version, modules, data_manifest, checksum, built_at, source_policy_ids
		FROM bundles WHERE tenant_id=? AND pep_id=? AND version=?
	`, tenantID, pepID, version)
	return scanBundle(row)
}

func scanBundle(row *sql.Row) (model.Bundle, error) {
	var b model.Bundle
	var modules, manifest, sourceIDs string
	if err := row.Scan(&b.TenantID, &b.PepID, &b.Version, &modules, &manifest, &b.Checksum, &b.BuiltAt, &sourceIDs); err != nil {
		return model.Bundle{}, err
	}
	if err := json.Unmarshal([]byte(modules), &b.Modules); err != nil {
		return model.Bundle{}, err
	}
	if err := json.Unmarshal([]byte(manifest), &b.DataManifest); err != nil {
		return model.Bundle{}, err
	}
	if err := json.Unmarshal([]byte(sourceIDs), &b.SourcePolicyIDs); err != nil {
		return model.Bundle{}, err
	}
	return b, nil
}
