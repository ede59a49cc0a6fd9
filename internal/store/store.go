// Package store is the control plane's relational persistence layer:
// a thin database/sql wrapper, the schema migration runner, and a
// typed query layer. It replaces the source's dynamic-typed ORM
// models with hand-mapped row structs, following the teacher's own
// internal/store/store.go (single *sql.DB, raw SQL migrations run at
// Open, modernc.org/sqlite as the driver).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store owns the single *sql.DB connection and enforces the schema
// migration runner's fail-fast contract: Open never returns a *Store
// whose physical schema does not match expectedSchemaVersion.
type Store struct {
	db *sql.DB
}

// expectedSchemaVersion is bumped whenever migrations changes. The
// process refuses to serve traffic if the store reports a different
// value (spec §7 schema_drift_fatal).
const expectedSchemaVersion = 1

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	ctx := context.Background()
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.checkSchemaVersion(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB { return s.db }

// checkSchemaVersion is the schema & migration runner's startup gate:
// if the store's recorded version disagrees with what this binary was
// built to expect, refuse to serve traffic rather than operate against
// a drifted schema.
func (s *Store) checkSchemaVersion(ctx context.Context) error {
	var got int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&got)
	if err != nil {
		return fmt.Errorf("schema_drift_fatal: cannot read schema version: %w", err)
	}
	if got != expectedSchemaVersion {
		return fmt.Errorf("schema_drift_fatal: store at version %d, binary expects %d", got, expectedSchemaVersion)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);`,

		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS policy_templates (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL,
			category TEXT NOT NULL,
			risk_level TEXT NOT NULL,
			compliance_tags TEXT NOT NULL,
			source TEXT NOT NULL,
			default_effect TEXT NOT NULL,
			parameters TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS policies (
			id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL,
			source TEXT NOT NULL,
			target_resources TEXT NOT NULL,
			effect TEXT NOT NULL,
			folder TEXT NOT NULL,
			environment TEXT NOT NULL,
			sandbox_status TEXT NOT NULL,
			production_status TEXT NOT NULL,
			promoted_from_sandbox INTEGER NOT NULL DEFAULT 0,
			promoted_at TEXT,
			promoted_by TEXT,
			sandbox_ancestor_id TEXT,
			template_id TEXT,
			retired INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (tenant_id, id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_policies_env ON policies(tenant_id, environment);`,

		`CREATE TABLE IF NOT EXISTS resources (
			id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			environment TEXT NOT NULL,
			name TEXT NOT NULL,
			original_host TEXT NOT NULL,
			production_host TEXT NOT NULL,
			fingerprint_rules TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (tenant_id, id, environment)
		);`,

		`CREATE TABLE IF NOT EXISTS peps (
			id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			environment TEXT NOT NULL,
			mode TEXT NOT NULL,
			external_id TEXT NOT NULL,
			registration_token TEXT NOT NULL,
			assigned_policies TEXT NOT NULL,
			last_seen TEXT,
			unhealthy INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			PRIMARY KEY (tenant_id, id)
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_peps_external ON peps(tenant_id, environment, external_id);`,

		`CREATE TABLE IF NOT EXISTS global_pep_config (
			tenant_id TEXT PRIMARY KEY,
			policy_poll_interval_seconds INTEGER NOT NULL,
			decision_log_batch_size INTEGER NOT NULL,
			fail_policy TEXT NOT NULL,
			default_security_posture TEXT NOT NULL,
			tls_min_version TEXT NOT NULL,
			sidecar_port INTEGER NOT NULL,
			sidecar_traffic_mode TEXT NOT NULL,
			sidecar_cpu_limit TEXT NOT NULL,
			sidecar_memory_limit TEXT NOT NULL,
			default_proxy_domain TEXT NOT NULL,
			default_proxy_timeout_seconds INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS individual_pep_config (
			pep_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			policy_poll_interval_seconds INTEGER,
			decision_log_batch_size INTEGER,
			fail_policy TEXT,
			default_security_posture TEXT,
			upstream_url TEXT,
			proxy_timeout_seconds INTEGER,
			public_url TEXT,
			sidecar_port INTEGER,
			sidecar_traffic_mode TEXT,
			sidecar_cpu_limit TEXT,
			sidecar_memory_limit TEXT,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (tenant_id, pep_id)
		);`,

		`CREATE TABLE IF NOT EXISTS pip_connections (
			id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			environment TEXT NOT NULL,
			kind TEXT NOT NULL,
			endpoint_url TEXT NOT NULL,
			credential_vault_id TEXT NOT NULL,
			attribute_mappings TEXT NOT NULL,
			sync_frequency_seconds INTEGER NOT NULL,
			last_sync_at TEXT,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (tenant_id, id, environment)
		);`,

		`CREATE TABLE IF NOT EXISTS bundles (
			tenant_id TEXT NOT NULL,
			pep_id TEXT NOT NULL,
			version TEXT NOT NULL,
			modules TEXT NOT NULL,
			data_manifest TEXT NOT NULL,
			checksum TEXT NOT NULL,
			built_at TEXT NOT NULL,
			source_policy_ids TEXT NOT NULL,
			PRIMARY KEY (tenant_id, pep_id, version)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_bundles_latest ON bundles(tenant_id, pep_id, built_at);`,

		`CREATE TABLE IF NOT EXISTS audit_log (
			entry_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			environment TEXT NOT NULL,
			actor TEXT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (tenant_id, entry_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_log(tenant_id, created_at);`,

		`CREATE TABLE IF NOT EXISTS credentials (
			vault_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			ciphertext BLOB NOT NULL,
			nonce BLOB NOT NULL,
			created_at TEXT NOT NULL,
			rotated_at TEXT,
			PRIMARY KEY (tenant_id, vault_id)
		);`,

		`CREATE TABLE IF NOT EXISTS sync_state (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id TEXT NOT NULL,
			environment TEXT NOT NULL,
			direction TEXT NOT NULL,
			policy_id TEXT NOT NULL,
			status TEXT NOT NULL,
			detail TEXT NOT NULL,
			occurred_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sync_state_tenant ON sync_state(tenant_id, occurred_at);`,

		`CREATE TABLE IF NOT EXISTS git_config (
			tenant_id TEXT PRIMARY KEY,
			remote_url TEXT NOT NULL,
			auth_kind TEXT NOT NULL,
			credential_vault_id TEXT NOT NULL,
			auto_sync_interval_seconds INTEGER NOT NULL,
			conflict_policy TEXT NOT NULL,
			github_app_id INTEGER NOT NULL DEFAULT 0,
			github_installation_id INTEGER NOT NULL DEFAULT 0,
			webhook_secret_vault_id TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS notification_rules (
			id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			environment TEXT NOT NULL,
			channel_kind TEXT NOT NULL,
			event_kind TEXT NOT NULL,
			target TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			PRIMARY KEY (tenant_id, id, environment)
		);`,

		`CREATE TABLE IF NOT EXISTS notification_credentials (
			tenant_id TEXT PRIMARY KEY,
			channel_kind TEXT NOT NULL,
			credential_vault_id TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES (?)`, expectedSchemaVersion); err != nil {
			return err
		}
	}
	return nil
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullString(s sql.NullString) string {
	if s.Valid {
		return s.String
	}
	return ""
}
