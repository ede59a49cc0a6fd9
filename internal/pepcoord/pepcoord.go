// Package pepcoord implements the PEP Coordinator (spec §4.3): PEP
// identity, heartbeat, and the configuration/bundle polling contract
// every deployed bouncer drives against.
package pepcoord

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/controlcoreio/control-core/internal/bundle"
	"github.com/controlcoreio/control-core/internal/configmerge"
	"github.com/controlcoreio/control-core/internal/control"
	"github.com/controlcoreio/control-core/internal/decision"
	"github.com/controlcoreio/control-core/internal/model"
	"github.com/controlcoreio/control-core/internal/store"
	"github.com/controlcoreio/control-core/internal/tenant"
)

// StaleThreshold is how long a PEP can go without heartbeating or
// polling before the coordinator marks it unhealthy.
const StaleThreshold = 5 * time.Minute

type Coordinator struct {
	store      *store.Store
	builder    *bundle.Builder
	storageDir string          // optional on-disk mirror of every rebuilt bundle, see WithStorageDir
	engine     *decision.Engine // optional; nil in processes that never evaluate decisions (e.g. the worker)
}

func New(s *store.Store, builder *bundle.Builder) *Coordinator {
	return &Coordinator{store: s, builder: builder}
}

// WithStorageDir enables writing every rebuilt bundle to
// <dir>/<tenantID>/<pepID>.json alongside the store record, named by
// PEP ID and overwritten on each rebuild, so a CDN or reverse proxy in
// front of the PEP-facing endpoints can serve it straight off disk.
// An empty dir disables the mirror (the default).
func (c *Coordinator) WithStorageDir(dir string) *Coordinator {
	c.storageDir = dir
	return c
}

// WithEngine lets the coordinator push every rebuilt or freshly fetched
// bundle straight into the Decision Engine's in-memory map, so a PEP's
// bundle row never exists only in the store without ever reaching the
// evaluator that answers its decisions. Processes with no evaluator of
// their own (the Temporal worker) simply never call this, and every
// load call below is a no-op on a nil engine.
func (c *Coordinator) WithEngine(e *decision.Engine) *Coordinator {
	c.engine = e
	return c
}

// Register is idempotent for a given (tenant, environment,
// externalID): a repeated call returns the existing PEP's identity
// and token rather than creating a duplicate row.
func (c *Coordinator) Register(ctx context.Context, tenantID string, env model.Environment, mode model.DeploymentMode, externalID string) (model.Pep, error) {
	if existing, ok, err := c.store.FindPepByExternalID(ctx, tenantID, env, externalID); err != nil {
		return model.Pep{}, control.Wrap(control.KindUpstreamFailure, "lookup existing pep", err)
	} else if ok {
		return existing, nil
	}

	token, err := newRegistrationToken()
	if err != nil {
		return model.Pep{}, control.Wrap(control.KindUpstreamFailure, "generate registration token", err)
	}
	p := model.Pep{
		ID:                uuid.NewString(),
		TenantID:          tenantID,
		Environment:       env,
		Mode:              mode,
		ExternalID:        externalID,
		RegistrationToken: token,
	}
	if err := c.store.CreatePep(ctx, p); err != nil {
		return model.Pep{}, control.Wrap(control.KindConflict, "create pep", err)
	}
	return p, nil
}

// Heartbeat updates last-seen and clears any prior unhealthy mark;
// selfReportUnhealthy lets a PEP report its own degraded state (e.g.
// it is itself failing open) even though it successfully reached the
// coordinator.
func (c *Coordinator) Heartbeat(ctx context.Context, tenantID, pepID, token string, selfReportUnhealthy bool) error {
	p, err := c.store.GetPepAnyEnv(ctx, tenantID, pepID)
	if err != nil {
		return control.NotFound(fmt.Sprintf("pep %s not found", pepID))
	}
	if p.RegistrationToken != token {
		return control.New(control.KindUnauthenticated, "invalid pep registration token")
	}
	return c.store.Heartbeat(ctx, tenantID, pepID, selfReportUnhealthy)
}

// SweepStale marks every PEP whose last heartbeat/poll is older than
// StaleThreshold as unhealthy, only when called; nothing in this
// repository calls it, on a ticker or per request.
func (c *Coordinator) SweepStale(ctx context.Context, scope tenant.Scope) error {
	peps, err := c.store.ListPeps(ctx, scope, 0, 500)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-StaleThreshold)
	for _, p := range peps {
		if p.Unhealthy {
			continue
		}
		if p.LastSeen.IsZero() || p.LastSeen.Before(cutoff) {
			if err := c.store.MarkUnhealthy(ctx, scope.TenantID, p.ID, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// EffectiveConfigResponse is what poll_effective_config returns.
type EffectiveConfigResponse struct {
	Config        configmerge.EffectiveConfig
	BundleVersion string
}

func (c *Coordinator) PollEffectiveConfig(ctx context.Context, tenantID, pepID, token string) (EffectiveConfigResponse, error) {
	p, err := c.store.GetPepAnyEnv(ctx, tenantID, pepID)
	if err != nil {
		return EffectiveConfigResponse{}, control.NotFound(fmt.Sprintf("pep %s not found", pepID))
	}
	if p.RegistrationToken != token {
		return EffectiveConfigResponse{}, control.New(control.KindUnauthenticated, "invalid pep registration token")
	}
	if err := c.store.Heartbeat(ctx, tenantID, pepID, false); err != nil {
		return EffectiveConfigResponse{}, err
	}

	global, err := c.store.GetGlobalConfig(ctx, tenantID)
	if err != nil {
		return EffectiveConfigResponse{}, err
	}
	individual, err := c.store.GetIndividualConfig(ctx, tenantID, pepID)
	if err != nil {
		return EffectiveConfigResponse{}, err
	}
	merged := configmerge.Merge(global, individual, p.Mode)

	latest, ok, err := c.store.LatestBundle(ctx, tenantID, pepID)
	if err != nil {
		return EffectiveConfigResponse{}, err
	}
	version := ""
	if ok {
		version = latest.Version
	}
	return EffectiveConfigResponse{Config: merged, BundleVersion: version}, nil
}

// FetchBundleResult signals "not-modified" when the PEP's cache
// validator matches the current version, avoiding a full re-transfer.
type FetchBundleResult struct {
	NotModified bool
	Bundle      model.Bundle
}

func (c *Coordinator) FetchBundle(ctx context.Context, tenantID, pepID, token, knownVersion string) (FetchBundleResult, error) {
	p, err := c.store.GetPepAnyEnv(ctx, tenantID, pepID)
	if err != nil {
		return FetchBundleResult{}, control.NotFound(fmt.Sprintf("pep %s not found", pepID))
	}
	if p.RegistrationToken != token {
		return FetchBundleResult{}, control.New(control.KindUnauthenticated, "invalid pep registration token")
	}
	latest, ok, err := c.store.LatestBundle(ctx, tenantID, pepID)
	if err != nil {
		return FetchBundleResult{}, err
	}
	if !ok {
		return FetchBundleResult{}, control.NotFound("no bundle built yet for this pep")
	}
	if c.engine != nil {
		c.engine.LoadBundle(latest)
	}
	if knownVersion != "" && knownVersion == latest.Version {
		return FetchBundleResult{NotModified: true}, nil
	}
	return FetchBundleResult{Bundle: latest}, nil
}

// RebuildBundle assembles and persists a fresh bundle for pep from its
// assigned, enabled policies and every PIP connection in the PEP's
// tenant and environment (up to 500). It runs synchronously; callers
// invoke it after any change that affects the PEP's module set (§4.5
// build trigger).
func (c *Coordinator) RebuildBundle(ctx context.Context, pep model.Pep) error {
	scope := tenant.Scope{TenantID: pep.TenantID, Environment: pep.Environment}
	enabled, err := c.store.ListEnabledForResources(ctx, scope, nil)
	if err != nil {
		return err
	}
	assigned := make(map[string]bool, len(pep.AssignedPolicies))
	for _, id := range pep.AssignedPolicies {
		assigned[id] = true
	}
	var policies []model.Policy
	for _, p := range enabled {
		if assigned[p.ID] {
			policies = append(policies, p)
		}
	}
	connections, err := c.store.ListPipConnections(ctx, scope, 0, 500)
	if err != nil {
		return err
	}
	b := c.builder.Build(pep, policies, connections)
	if err := c.store.PutBundle(ctx, b); err != nil {
		return err
	}
	if c.engine != nil {
		c.engine.LoadBundle(b)
	}
	return c.mirrorToDisk(pep, b)
}

// mirrorToDisk runs after the store record (the bundle's system of
// record) is written and the engine is loaded, so a disk write failure
// (e.g. the volume is full or unmounted) leaves both in place; the
// error is still returned as RebuildBundle's result.
func (c *Coordinator) mirrorToDisk(pep model.Pep, b model.Bundle) error {
	if c.storageDir == "" {
		return nil
	}
	dir := filepath.Join(c.storageDir, pep.TenantID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("pepcoord: mkdir bundle storage dir: %w", err)
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("pepcoord: marshal bundle: %w", err)
	}
	path := filepath.Join(dir, pep.ID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("pepcoord: write bundle to %s: %w", path, err)
	}
	return nil
}

func newRegistrationToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
