// Package config loads the control plane's process configuration from
// the environment, following the teacher's own config.Load pattern
// (apps/ReleaseParty/backend/internal/config/config.go): a flat struct,
// an env-with-default helper, and fail-fast validation of anything the
// process cannot run without.
package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/controlcoreio/control-core/internal/httpapi"
)

// Config is every value the control-plane and worker binaries need to
// construct their subsystems.
type Config struct {
	Addr         string
	DatabasePath string

	VaultMasterKey []byte // decoded from CC_VAULT_MASTER_KEY_HEX, >= 32 bytes

	AuthTokens map[string]httpapi.TenantIdentity // bearer token -> identity

	TemporalAddress   string
	TemporalTaskQueue string

	PipFetchTimeout   time.Duration
	DecisionCacheTTL  time.Duration
	NotifyHTTPTimeout time.Duration

	Deployment DeploymentConfig
}

// DeploymentConfig holds the handful of settings that describe the
// instance's own deployment footprint rather than its runtime
// secrets — the kind of thing an operator checks into the same repo
// as the binary rather than injecting via env vars. Read from the
// static TOML file named by CC_DEPLOYMENT_FILE, the same library the
// sibling si tool reads its own settings with.
type DeploymentConfig struct {
	BundleStorageDir   string `toml:"bundle_storage_dir"`
	WorkerPoolSize     int    `toml:"worker_pool_size"`
	PipCacheMaxEntries int    `toml:"pip_cache_max_entries"`
}

func defaultDeploymentConfig() DeploymentConfig {
	return DeploymentConfig{
		BundleStorageDir:   "",
		WorkerPoolSize:     10,
		PipCacheMaxEntries: 50000,
	}
}

// loadDeploymentFile reads the optional static TOML deployment file.
// Its absence is not an error: every field has a workable default, so
// a bare env-var deployment (e.g. a single dev instance) never needs
// one.
func loadDeploymentFile(path string) (DeploymentConfig, error) {
	dc := defaultDeploymentConfig()
	if path == "" {
		return dc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return dc, nil
		}
		return DeploymentConfig{}, fmt.Errorf("read deployment file %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &dc); err != nil {
		return DeploymentConfig{}, fmt.Errorf("parse deployment file %s: %w", path, err)
	}
	return dc, nil
}

// Load reads CC_* environment variables into a Config, defaulting
// anything optional and failing on anything the process cannot start
// without (the vault master key and at least one auth token).
func Load() (Config, error) {
	cfg := Config{
		Addr:              env("CC_ADDR", ":8080"),
		DatabasePath:      env("CC_DB_PATH", "data/control-core.sqlite"),
		TemporalAddress:   env("CC_TEMPORAL_ADDRESS", "localhost:7233"),
		TemporalTaskQueue: env("CC_TEMPORAL_TASK_QUEUE", "control-core"),
	}

	timeout, err := durationEnv("CC_PIP_FETCH_TIMEOUT", 3*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg.PipFetchTimeout = timeout

	cacheTTL, err := durationEnv("CC_DECISION_CACHE_TTL", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg.DecisionCacheTTL = cacheTTL

	notifyTimeout, err := durationEnv("CC_NOTIFY_HTTP_TIMEOUT", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	cfg.NotifyHTTPTimeout = notifyTimeout

	keyHex := strings.TrimSpace(env("CC_VAULT_MASTER_KEY_HEX", ""))
	if keyHex == "" {
		return Config{}, errors.New("missing CC_VAULT_MASTER_KEY_HEX (hex-encoded, >= 32 bytes)")
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return Config{}, fmt.Errorf("CC_VAULT_MASTER_KEY_HEX: %w", err)
	}
	if len(key) < 32 {
		return Config{}, errors.New("CC_VAULT_MASTER_KEY_HEX must decode to at least 32 bytes")
	}
	cfg.VaultMasterKey = key

	tokensJSON := strings.TrimSpace(env("CC_AUTH_TOKENS_JSON", ""))
	if tokensJSON == "" {
		return Config{}, errors.New("missing CC_AUTH_TOKENS_JSON (bearer token -> tenant identity map)")
	}
	var raw map[string]struct {
		TenantID              string `json:"tenant_id"`
		Subject               string `json:"subject"`
		AllowProductionWrite  bool   `json:"allow_production_write"`
		IsSystemAdministrator bool   `json:"is_system_administrator"`
	}
	if err := json.Unmarshal([]byte(tokensJSON), &raw); err != nil {
		return Config{}, fmt.Errorf("CC_AUTH_TOKENS_JSON: %w", err)
	}
	cfg.AuthTokens = make(map[string]httpapi.TenantIdentity, len(raw))
	for token, id := range raw {
		if id.TenantID == "" {
			return Config{}, fmt.Errorf("CC_AUTH_TOKENS_JSON: token entry missing tenant_id")
		}
		cfg.AuthTokens[token] = httpapi.TenantIdentity{
			TenantID:              id.TenantID,
			Subject:               id.Subject,
			AllowProductionWrite:  id.AllowProductionWrite,
			IsSystemAdministrator: id.IsSystemAdministrator,
		}
	}

	deployment, err := loadDeploymentFile(env("CC_DEPLOYMENT_FILE", ""))
	if err != nil {
		return Config{}, err
	}
	cfg.Deployment = deployment

	return cfg, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: not a duration or integer seconds: %w", key, err)
	}
	return time.Duration(secs) * time.Second, nil
}
