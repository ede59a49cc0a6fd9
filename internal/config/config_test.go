package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CC_VAULT_MASTER_KEY_HEX", "00112233445566778899aabbccddeeff0011223344556677889900112233445566")
	t.Setenv("CC_AUTH_TOKENS_JSON", `{"tok-1":{"tenant_id":"tenant-a","subject":"ops"}}`)
}

func TestLoadFailsWithoutVaultKey(t *testing.T) {
	t.Setenv("CC_VAULT_MASTER_KEY_HEX", "")
	t.Setenv("CC_AUTH_TOKENS_JSON", `{"tok-1":{"tenant_id":"tenant-a"}}`)
	if _, err := Load(); err == nil {
		t.Fatalf("expected error when CC_VAULT_MASTER_KEY_HEX is unset")
	}
}

func TestLoadFailsOnShortVaultKey(t *testing.T) {
	t.Setenv("CC_VAULT_MASTER_KEY_HEX", "aabbcc")
	t.Setenv("CC_AUTH_TOKENS_JSON", `{"tok-1":{"tenant_id":"tenant-a"}}`)
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for a vault key shorter than 32 bytes")
	}
}

func TestLoadFailsWithoutAuthTokens(t *testing.T) {
	t.Setenv("CC_VAULT_MASTER_KEY_HEX", "00112233445566778899aabbccddeeff0011223344556677889900112233445566")
	t.Setenv("CC_AUTH_TOKENS_JSON", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error when CC_AUTH_TOKENS_JSON is unset")
	}
}

func TestLoadAppliesDefaultsAndParsesAuthTokens(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
	if cfg.PipFetchTimeout != 3*time.Second {
		t.Fatalf("expected default pip fetch timeout, got %v", cfg.PipFetchTimeout)
	}
	id, ok := cfg.AuthTokens["tok-1"]
	if !ok || id.TenantID != "tenant-a" || id.Subject != "ops" {
		t.Fatalf("expected parsed auth token identity, got %#v (ok=%v)", id, ok)
	}
	if cfg.Deployment.WorkerPoolSize != 10 {
		t.Fatalf("expected default worker pool size, got %d", cfg.Deployment.WorkerPoolSize)
	}
}

func TestLoadParsesDurationFromPlainSeconds(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CC_PIP_FETCH_TIMEOUT", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PipFetchTimeout != 7*time.Second {
		t.Fatalf("expected 7s from plain integer seconds, got %v", cfg.PipFetchTimeout)
	}
}

func TestLoadDeploymentFileMissingUsesDefaults(t *testing.T) {
	dc, err := loadDeploymentFile(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("expected missing deployment file to be a no-op, got %v", err)
	}
	if dc != defaultDeploymentConfig() {
		t.Fatalf("expected default deployment config, got %#v", dc)
	}
}

func TestLoadDeploymentFileParsesTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deployment.toml")
	contents := "bundle_storage_dir = \"/var/lib/control-core/bundles\"\nworker_pool_size = 25\npip_cache_max_entries = 1000\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	dc, err := loadDeploymentFile(path)
	if err != nil {
		t.Fatalf("loadDeploymentFile: %v", err)
	}
	if dc.BundleStorageDir != "/var/lib/control-core/bundles" {
		t.Fatalf("unexpected bundle storage dir: %q", dc.BundleStorageDir)
	}
	if dc.WorkerPoolSize != 25 {
		t.Fatalf("unexpected worker pool size: %d", dc.WorkerPoolSize)
	}
	if dc.PipCacheMaxEntries != 1000 {
		t.Fatalf("unexpected pip cache max entries: %d", dc.PipCacheMaxEntries)
	}
}
