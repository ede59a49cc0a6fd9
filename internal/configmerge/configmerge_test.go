package configmerge

import (
	"testing"

	"github.com/controlcoreio/control-core/internal/model"
)

func TestMergeIndividualOverridesWinOverGlobal(t *testing.T) {
	global := model.GlobalPepConfig{
		PolicyPollIntervalSeconds: 30,
		FailPolicy:                model.FailClosed,
		DefaultSecurityPosture:    model.EffectDeny,
	}
	override := 60
	individual := model.IndividualPepConfig{PolicyPollIntervalSeconds: &override}

	got := Merge(global, individual, model.ModeSidecar)
	if got.PolicyPollIntervalSeconds != 60 {
		t.Fatalf("expected individual override to win, got %d", got.PolicyPollIntervalSeconds)
	}
	if got.FailPolicy != model.FailClosed {
		t.Fatalf("expected global fallback for unset override, got %s", got.FailPolicy)
	}
}

func TestMergeDropsFieldsOutsideDeploymentMode(t *testing.T) {
	global := model.GlobalPepConfig{
		SidecarPort:        8443,
		DefaultProxyDomain: "proxy.example.com",
	}

	sidecar := Merge(global, model.IndividualPepConfig{}, model.ModeSidecar)
	if sidecar.SidecarPort != 8443 {
		t.Fatalf("expected sidecar port populated in sidecar mode, got %d", sidecar.SidecarPort)
	}
	if sidecar.DefaultProxyDomain != "" {
		t.Fatalf("expected reverse-proxy field dropped in sidecar mode, got %q", sidecar.DefaultProxyDomain)
	}

	proxy := Merge(global, model.IndividualPepConfig{}, model.ModeReverseProxy)
	if proxy.DefaultProxyDomain != "proxy.example.com" {
		t.Fatalf("expected reverse-proxy field populated in reverse-proxy mode, got %q", proxy.DefaultProxyDomain)
	}
	if proxy.SidecarPort != 0 {
		t.Fatalf("expected sidecar field dropped in reverse-proxy mode, got %d", proxy.SidecarPort)
	}
}

func TestMergeIsDeterministic(t *testing.T) {
	global := model.GlobalPepConfig{PolicyPollIntervalSeconds: 30, FailPolicy: model.FailOpen}
	individual := model.IndividualPepConfig{}

	a := Merge(global, individual, model.ModeMCP)
	b := Merge(global, individual, model.ModeMCP)
	if a != b {
		t.Fatalf("expected identical merges for identical inputs: %#v vs %#v", a, b)
	}
}

func TestValidateWriteRejectsOutOfRangeSidecarPort(t *testing.T) {
	err := ValidateWrite(EffectiveConfig{SidecarPort: 70000})
	if err == nil {
		t.Fatalf("expected error for out-of-range sidecar port")
	}
}

func TestValidateWriteAcceptsWellFormedLimits(t *testing.T) {
	c := EffectiveConfig{
		SidecarPort:         8443,
		SidecarCPULimit:     "500m",
		SidecarMemoryLimit:  "256Mi",
		SidecarTrafficMode:  "transparent",
		FailPolicy:          model.FailClosed,
		DefaultSecurityPosture: model.EffectDeny,
	}
	if err := ValidateWrite(c); err != nil {
		t.Fatalf("expected well-formed config to validate, got %v", err)
	}
}

func TestValidateWriteRejectsMalformedMemoryLimit(t *testing.T) {
	err := ValidateWrite(EffectiveConfig{SidecarMemoryLimit: "256"})
	if err == nil {
		t.Fatalf("expected error for memory limit missing unit")
	}
}

func TestValidateWriteRejectsUnknownTrafficMode(t *testing.T) {
	err := ValidateWrite(EffectiveConfig{SidecarTrafficMode: "stealth"})
	if err == nil {
		t.Fatalf("expected error for unknown sidecar traffic mode")
	}
}
