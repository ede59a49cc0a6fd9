package decision

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/controlcoreio/control-core/internal/model"
	"github.com/controlcoreio/control-core/internal/pip"
	"github.com/controlcoreio/control-core/internal/store"
	"github.com/controlcoreio/control-core/internal/tenant"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

const denyOnDeleteSource = `package policy

default effect := "deny"

effect := "permit" {
    input.action != "delete"
}
`

func baseBundle() model.Bundle {
	return model.Bundle{
		TenantID:        "tenant-a",
		PepID:           "pep-1",
		Version:         "v1",
		Modules:         []model.BundleModule{{PolicyID: "pol-1", Name: "pol-1", Source: denyOnDeleteSource}},
		SourcePolicyIDs: []string{"pol-1"},
	}
}

func TestDecideReturnsErrorWithoutLoadedBundle(t *testing.T) {
	e := New(newTestStore(t), pip.New(nil, 0), nil, time.Minute)
	_, err := e.Decide(context.Background(), Request{TenantID: "tenant-a", PepID: "pep-1"})
	if err == nil {
		t.Fatalf("expected an error when no bundle has been loaded for the pep")
	}
}

func TestDecideCombinesModuleEffects(t *testing.T) {
	e := New(newTestStore(t), pip.New(nil, 0), nil, time.Minute)
	e.LoadBundle(baseBundle())

	out, err := e.Decide(context.Background(), Request{
		TenantID: "tenant-a", PepID: "pep-1", Action: "read",
		DefaultSecurityPosture: model.EffectDeny,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if out.Effect != model.EffectPermit {
		t.Fatalf("expected permit for a non-delete action, got %s", out.Effect)
	}

	out, err = e.Decide(context.Background(), Request{
		TenantID: "tenant-a", PepID: "pep-1", Action: "delete",
		DefaultSecurityPosture: model.EffectDeny,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if out.Effect != model.EffectDeny {
		t.Fatalf("expected deny for a delete action, got %s", out.Effect)
	}
}

func TestDecideFallsBackToDefaultPostureWhenNoModuleMatches(t *testing.T) {
	e := New(newTestStore(t), pip.New(nil, 0), nil, time.Minute)
	e.LoadBundle(model.Bundle{TenantID: "tenant-a", PepID: "pep-1", Version: "v1"})

	out, err := e.Decide(context.Background(), Request{
		TenantID: "tenant-a", PepID: "pep-1", Action: "read",
		DefaultSecurityPosture: model.EffectPermit,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if out.Effect != model.EffectPermit {
		t.Fatalf("expected the explicit default posture to apply, got %s", out.Effect)
	}
}

func TestDecideSystemAdministratorBypassesEvaluation(t *testing.T) {
	e := New(newTestStore(t), pip.New(nil, 0), nil, time.Minute)
	e.LoadBundle(baseBundle())

	out, err := e.Decide(context.Background(), Request{
		TenantID: "tenant-a", PepID: "pep-1", Action: "delete",
		SubjectIsSysAdmin:      true,
		DefaultSecurityPosture: model.EffectDeny,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if out.Effect != model.EffectPermit {
		t.Fatalf("expected the sysadmin bypass to permit regardless of policy, got %s", out.Effect)
	}
	if len(out.MatchedPolicyIDs) != 1 || out.MatchedPolicyIDs[0] != SystemAdminPolicyID {
		t.Fatalf("expected the bypass policy id recorded, got %#v", out.MatchedPolicyIDs)
	}
}

func TestDecideCachesOutcomeUntilBundleVersionChanges(t *testing.T) {
	e := New(newTestStore(t), pip.New(nil, 0), nil, time.Minute)
	e.LoadBundle(baseBundle())

	req := Request{TenantID: "tenant-a", PepID: "pep-1", Action: "read", DefaultSecurityPosture: model.EffectDeny}
	first, err := e.Decide(context.Background(), req)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if first.Cached {
		t.Fatalf("expected the first decision to be freshly evaluated, not cached")
	}
	second, err := e.Decide(context.Background(), req)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !second.Cached {
		t.Fatalf("expected the second identical decision to be served from cache")
	}

	b := baseBundle()
	b.Version = "v2"
	e.LoadBundle(b)
	third, err := e.Decide(context.Background(), req)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if third.Cached {
		t.Fatalf("expected a bundle version bump to invalidate the previous cache entry")
	}
}

func TestDecideAppliesFailPolicyWhenRequiredAttributeIsMissing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	scope := tenant.Scope{TenantID: "tenant-a", Environment: model.EnvSandbox}
	conn := model.PipConnection{ID: "conn-1", Kind: model.PipIdP, EndpointURL: "https://idp.example.com", CredentialVaultID: "vault-1"}
	if err := s.CreatePipConnection(ctx, scope, conn); err != nil {
		t.Fatalf("create pip connection: %v", err)
	}

	alwaysMissing := func(ctx context.Context, conn model.PipConnection, path string) (any, error) {
		return nil, pip.ErrMissing
	}
	e := New(s, pip.New(alwaysMissing, 0), nil, time.Minute)

	b := baseBundle()
	b.DataManifest = []model.DataManifestEntry{{ConnectionID: "conn-1", Collection: "user.groups"}}
	e.LoadBundle(b)

	closed, err := e.Decide(ctx, Request{
		TenantID: "tenant-a", Environment: model.EnvSandbox, PepID: "pep-1", Action: "read",
		FailPolicy: model.FailClosed,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if closed.Effect != model.EffectDeny || closed.Reason != pipUnavailableReason {
		t.Fatalf("expected fail-closed deny with pip_unavailable reason, got %#v", closed)
	}

	open, err := e.Decide(ctx, Request{
		TenantID: "tenant-a", Environment: model.EnvSandbox, PepID: "pep-1", Action: "read",
		FailPolicy: model.FailOpen,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if open.Effect != model.EffectPermit || open.Reason != pipUnavailableReason {
		t.Fatalf("expected fail-open permit with pip_unavailable reason, got %#v", open)
	}
}

func TestDecideResolvesRequiredAttributesFromDataManifest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	scope := tenant.Scope{TenantID: "tenant-a", Environment: model.EnvSandbox}
	conn := model.PipConnection{ID: "conn-1", Kind: model.PipIdP, EndpointURL: "https://idp.example.com", CredentialVaultID: "vault-1"}
	if err := s.CreatePipConnection(ctx, scope, conn); err != nil {
		t.Fatalf("create pip connection: %v", err)
	}

	var calledWithPath string
	fetch := func(ctx context.Context, conn model.PipConnection, path string) (any, error) {
		calledWithPath = path
		return []string{"eng"}, nil
	}
	e := New(s, pip.New(fetch, 0), nil, time.Minute)

	b := baseBundle()
	b.DataManifest = []model.DataManifestEntry{{ConnectionID: "conn-1", Collection: "user.groups"}}
	e.LoadBundle(b)

	_, err := e.Decide(ctx, Request{
		TenantID: "tenant-a", Environment: model.EnvSandbox, PepID: "pep-1", Action: "read",
		DefaultSecurityPosture: model.EffectDeny,
	})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if calledWithPath != "user.groups" {
		t.Fatalf("expected the data manifest collection name to drive the pip lookup path, got %q", calledWithPath)
	}
}
