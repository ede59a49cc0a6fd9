// Package configmerge implements the Config Merge Engine (spec §4.4):
// computing the effective configuration a named PEP must obey from
// its tenant's global defaults plus its own individual overrides,
// filtered down to the keys its deployment mode actually uses.
package configmerge

import (
	"fmt"
	"regexp"

	"github.com/controlcoreio/control-core/internal/model"
)

// EffectiveConfig is the merged, mode-filtered view a PEP receives
// from poll_effective_config. Fields irrelevant to Mode are left at
// their zero value and omitted by the JSON encoder at the HTTP layer.
type EffectiveConfig struct {
	Mode model.DeploymentMode

	PolicyPollIntervalSeconds int
	DecisionLogBatchSize      int
	FailPolicy                model.FailPolicy
	DefaultSecurityPosture    model.Effect

	// reverse-proxy and mcp only
	UpstreamURL         string `json:"upstream_url,omitempty"`
	ProxyTimeoutSeconds int    `json:"proxy_timeout_seconds,omitempty"`
	PublicURL           string `json:"public_url,omitempty"`
	DefaultProxyDomain  string `json:"default_proxy_domain,omitempty"`

	// sidecar only
	TLSMinVersion      string `json:"tls_min_version,omitempty"`
	SidecarPort        int    `json:"sidecar_port,omitempty"`
	SidecarTrafficMode string `json:"sidecar_traffic_mode,omitempty"`
	SidecarCPULimit    string `json:"sidecar_cpu_limit,omitempty"`
	SidecarMemoryLimit string `json:"sidecar_memory_limit,omitempty"`
}

// Merge computes the effective configuration deterministically: for
// every key, an individual override wins if set, else the global
// default; then keys belonging to a deployment mode other than mode
// are dropped. Same (global, individual, mode) always yields the same
// EffectiveConfig (§4.4 invariant).
func Merge(global model.GlobalPepConfig, individual model.IndividualPepConfig, mode model.DeploymentMode) EffectiveConfig {
	c := EffectiveConfig{
		Mode:                      mode,
		PolicyPollIntervalSeconds: pickInt(individual.PolicyPollIntervalSeconds, global.PolicyPollIntervalSeconds),
		DecisionLogBatchSize:      pickInt(individual.DecisionLogBatchSize, global.DecisionLogBatchSize),
		FailPolicy:                pickFailPolicy(individual.FailPolicy, global.FailPolicy),
		DefaultSecurityPosture:    pickEffect(individual.DefaultSecurityPosture, global.DefaultSecurityPosture),
	}

	switch mode {
	case model.ModeReverseProxy, model.ModeMCP:
		c.UpstreamURL = pickString(individual.UpstreamURL, "")
		c.ProxyTimeoutSeconds = pickInt(individual.ProxyTimeoutSeconds, global.DefaultProxyTimeoutSeconds)
		c.PublicURL = pickString(individual.PublicURL, "")
		c.DefaultProxyDomain = global.DefaultProxyDomain
	case model.ModeSidecar:
		c.TLSMinVersion = global.TLSMinVersion
		c.SidecarPort = pickInt(individual.SidecarPort, global.SidecarPort)
		c.SidecarTrafficMode = pickString(individual.SidecarTrafficMode, global.SidecarTrafficMode)
		c.SidecarCPULimit = pickString(individual.SidecarCPULimit, global.SidecarCPULimit)
		c.SidecarMemoryLimit = pickString(individual.SidecarMemoryLimit, global.SidecarMemoryLimit)
	}
	return c
}

func pickInt(override *int, fallback int) int {
	if override != nil {
		return *override
	}
	return fallback
}

func pickString(override *string, fallback string) string {
	if override != nil {
		return *override
	}
	return fallback
}

func pickFailPolicy(override *model.FailPolicy, fallback model.FailPolicy) model.FailPolicy {
	if override != nil {
		return *override
	}
	return fallback
}

func pickEffect(override *model.Effect, fallback model.Effect) model.Effect {
	if override != nil {
		return *override
	}
	return fallback
}

var (
	cpuPattern    = regexp.MustCompile(`^\d+m?$`)
	memoryPattern = regexp.MustCompile(`^\d+(Mi|Gi)$`)
)

// ValidateWrite checks a configuration write against the engine's
// schema catalogue (§4.4), used by the HTTP gateway before persisting
// a global or individual config row.
func ValidateWrite(c EffectiveConfig) error {
	if c.SidecarPort != 0 && (c.SidecarPort < 1 || c.SidecarPort > 65535) {
		return fmt.Errorf("sidecar_port must be 1-65535, got %d", c.SidecarPort)
	}
	if c.SidecarCPULimit != "" && !cpuPattern.MatchString(c.SidecarCPULimit) {
		return fmt.Errorf("sidecar_cpu_limit must match <n> or <n>m, got %q", c.SidecarCPULimit)
	}
	if c.SidecarMemoryLimit != "" && !memoryPattern.MatchString(c.SidecarMemoryLimit) {
		return fmt.Errorf("sidecar_memory_limit must match <n>Mi or <n>Gi, got %q", c.SidecarMemoryLimit)
	}
	if c.FailPolicy != "" && c.FailPolicy != model.FailClosed && c.FailPolicy != model.FailOpen {
		return fmt.Errorf("fail_policy must be fail-closed or fail-open, got %q", c.FailPolicy)
	}
	if c.DefaultSecurityPosture != "" && c.DefaultSecurityPosture != model.EffectPermit && c.DefaultSecurityPosture != model.EffectDeny {
		return fmt.Errorf("default_security_posture must be permit or deny, got %q", c.DefaultSecurityPosture)
	}
	switch c.SidecarTrafficMode {
	case "", "transparent", "explicit":
	default:
		return fmt.Errorf("sidecar_traffic_mode must be transparent or explicit, got %q", c.SidecarTrafficMode)
	}
	return nil
}
