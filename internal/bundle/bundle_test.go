package bundle

import (
	"testing"

	"github.com/controlcoreio/control-core/internal/model"
)

func testPep() model.Pep {
	return model.Pep{ID: "pep-1", TenantID: "tenant-a"}
}

func TestBuildIsDeterministicAcrossInputOrder(t *testing.T) {
	policies := []model.Policy{
		{ID: "pol-b", Name: "b", Source: "package policy\n"},
		{ID: "pol-a", Name: "a", Source: "package policy\n"},
	}
	connections := []model.PipConnection{
		{ID: "conn-2", Kind: model.PipHTTPAPI},
		{ID: "conn-1", Kind: model.PipIdP},
	}

	b1 := New().Build(testPep(), policies, connections)

	reversedPolicies := []model.Policy{policies[1], policies[0]}
	reversedConns := []model.PipConnection{connections[1], connections[0]}
	b2 := New().Build(testPep(), reversedPolicies, reversedConns)

	if b1.Version != b2.Version {
		t.Fatalf("version changed with input order: %s vs %s", b1.Version, b2.Version)
	}
	if b1.Checksum != b1.Version {
		t.Fatalf("checksum should equal version, got %s vs %s", b1.Checksum, b1.Version)
	}
	if len(b1.Modules) != 2 || b1.Modules[0].PolicyID != "pol-a" {
		t.Fatalf("modules not sorted by policy ID: %#v", b1.Modules)
	}
	if len(b1.SourcePolicyIDs) != 2 || b1.SourcePolicyIDs[0] != "pol-a" {
		t.Fatalf("source policy IDs not sorted: %#v", b1.SourcePolicyIDs)
	}
}

func TestBuildVersionChangesWithPolicyContent(t *testing.T) {
	base := []model.Policy{{ID: "pol-a", Name: "a", Source: "package policy\n\ndefault effect := \"deny\"\n"}}
	changed := []model.Policy{{ID: "pol-a", Name: "a", Source: "package policy\n\ndefault effect := \"permit\"\n"}}

	b1 := New().Build(testPep(), base, nil)
	b2 := New().Build(testPep(), changed, nil)

	if b1.Version == b2.Version {
		t.Fatalf("expected different versions for different policy source, got same hash %s", b1.Version)
	}
}

func TestBuildEmptyInputsStillProducesAVersion(t *testing.T) {
	b := New().Build(testPep(), nil, nil)
	if b.Version == "" {
		t.Fatalf("expected a non-empty version even with no modules")
	}
	if len(b.Modules) != 0 || len(b.DataManifest) != 0 {
		t.Fatalf("expected empty modules/manifest, got %#v / %#v", b.Modules, b.DataManifest)
	}
}
