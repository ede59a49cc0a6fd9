package pepcoord

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/controlcoreio/control-core/internal/bundle"
	"github.com/controlcoreio/control-core/internal/decision"
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

func registerAndAssign(t *testing.T, s *store.Store, c *Coordinator) model.Pep {
	t.Helper()
	ctx := context.Background()
	scope := tenant.Scope{TenantID: "tenant-a", Environment: model.EnvSandbox}

	pol := model.Policy{
		ID:          "pol-1",
		Name:        "deny by default",
		Source:      "package policy\n",
		Effect:      model.EffectDeny,
		Folder:      model.FolderEnabled,
		Environment: model.EnvSandbox,
	}
	if err := s.CreatePolicy(ctx, scope, pol); err != nil {
		t.Fatalf("create policy: %v", err)
	}

	pep, err := c.Register(ctx, "tenant-a", model.EnvSandbox, model.ModeSidecar, "ext-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	pep.AssignedPolicies = []string{"pol-1"}
	return pep
}

func TestRegisterIsIdempotentByExternalID(t *testing.T) {
	s := newTestStore(t)
	c := New(s, bundle.New())
	ctx := context.Background()

	first, err := c.Register(ctx, "tenant-a", model.EnvSandbox, model.ModeSidecar, "ext-1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	second, err := c.Register(ctx, "tenant-a", model.EnvSandbox, model.ModeSidecar, "ext-1")
	if err != nil {
		t.Fatalf("register again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected idempotent registration to return the same pep, got %s vs %s", first.ID, second.ID)
	}
}

func TestRebuildBundlePersistsAndIsFetchable(t *testing.T) {
	s := newTestStore(t)
	c := New(s, bundle.New())
	pep := registerAndAssign(t, s, c)

	if err := c.RebuildBundle(context.Background(), pep); err != nil {
		t.Fatalf("rebuild bundle: %v", err)
	}

	res, err := c.FetchBundle(context.Background(), pep.TenantID, pep.ID, pep.RegistrationToken, "")
	if err != nil {
		t.Fatalf("fetch bundle: %v", err)
	}
	if res.NotModified {
		t.Fatalf("expected a bundle on first fetch, got not-modified")
	}
	if len(res.Bundle.Modules) != 1 || res.Bundle.Modules[0].PolicyID != "pol-1" {
		t.Fatalf("expected bundle module for pol-1, got %#v", res.Bundle.Modules)
	}

	again, err := c.FetchBundle(context.Background(), pep.TenantID, pep.ID, pep.RegistrationToken, res.Bundle.Version)
	if err != nil {
		t.Fatalf("fetch bundle with known version: %v", err)
	}
	if !again.NotModified {
		t.Fatalf("expected not-modified when the PEP already has the current version")
	}
}

func TestFetchBundleRejectsWrongRegistrationToken(t *testing.T) {
	s := newTestStore(t)
	c := New(s, bundle.New())
	pep := registerAndAssign(t, s, c)
	if err := c.RebuildBundle(context.Background(), pep); err != nil {
		t.Fatalf("rebuild bundle: %v", err)
	}

	if _, err := c.FetchBundle(context.Background(), pep.TenantID, pep.ID, "wrong-token", ""); err == nil {
		t.Fatalf("expected error for a mismatched registration token")
	}
}

func TestRebuildBundleMirrorsToDiskWhenStorageDirSet(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	c := New(s, bundle.New()).WithStorageDir(dir)
	pep := registerAndAssign(t, s, c)

	if err := c.RebuildBundle(context.Background(), pep); err != nil {
		t.Fatalf("rebuild bundle: %v", err)
	}

	path := filepath.Join(dir, pep.TenantID, pep.ID+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected mirrored bundle file at %s: %v", path, err)
	}
	var b model.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		t.Fatalf("unmarshal mirrored bundle: %v", err)
	}
	if b.PepID != pep.ID {
		t.Fatalf("expected mirrored bundle for pep %s, got %s", pep.ID, b.PepID)
	}
}

func TestRebuildBundlePushesIntoEngineWhenConfigured(t *testing.T) {
	s := newTestStore(t)
	eng := decision.New(s, pip.New(nil, 0), nil, time.Minute)
	c := New(s, bundle.New()).WithEngine(eng)
	pep := registerAndAssign(t, s, c)

	if err := c.RebuildBundle(context.Background(), pep); err != nil {
		t.Fatalf("rebuild bundle: %v", err)
	}

	if _, err := eng.Decide(context.Background(), decision.Request{
		TenantID: pep.TenantID, PepID: pep.ID, Action: "read",
	}); err != nil {
		t.Fatalf("expected the rebuilt bundle to already be loaded into the engine, got: %v", err)
	}
}

func TestFetchBundleLoadsIntoEngineOnACleanProcessRestart(t *testing.T) {
	s := newTestStore(t)
	builder := bundle.New()

	writer := New(s, builder)
	pep := registerAndAssign(t, s, writer)
	if err := writer.RebuildBundle(context.Background(), pep); err != nil {
		t.Fatalf("rebuild bundle: %v", err)
	}

	// Simulate a fresh gateway process: a new coordinator and a new,
	// empty engine sharing the same store.
	eng := decision.New(s, pip.New(nil, 0), nil, time.Minute)
	reader := New(s, builder).WithEngine(eng)
	if _, err := reader.FetchBundle(context.Background(), pep.TenantID, pep.ID, pep.RegistrationToken, ""); err != nil {
		t.Fatalf("fetch bundle: %v", err)
	}

	if _, err := eng.Decide(context.Background(), decision.Request{
		TenantID: pep.TenantID, PepID: pep.ID, Action: "read",
	}); err != nil {
		t.Fatalf("expected fetch to load the bundle into the fresh engine, got: %v", err)
	}
}

func TestRebuildBundleSkipsDiskMirrorWhenStorageDirUnset(t *testing.T) {
	s := newTestStore(t)
	c := New(s, bundle.New())
	pep := registerAndAssign(t, s, c)

	if err := c.RebuildBundle(context.Background(), pep); err != nil {
		t.Fatalf("rebuild bundle: %v", err)
	}
	// No storage dir configured: nothing to assert on disk, but the
	// rebuild must still succeed and persist to the store.
	if _, ok, err := s.LatestBundle(context.Background(), pep.TenantID, pep.ID); err != nil || !ok {
		t.Fatalf("expected bundle persisted to store, ok=%v err=%v", ok, err)
	}
}
