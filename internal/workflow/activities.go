package workflow

import (
	"context"
	"fmt"

	"github.com/controlcoreio/control-core/internal/gitsync"
	"github.com/controlcoreio/control-core/internal/model"
	"github.com/controlcoreio/control-core/internal/notify"
	"github.com/controlcoreio/control-core/internal/pepcoord"
	"github.com/controlcoreio/control-core/internal/policy"
	"github.com/controlcoreio/control-core/internal/store"
	"github.com/controlcoreio/control-core/internal/tenant"
)

// Activities bundles every activity function the worker registers.
// Each method name matches one of the Activity* constants in
// workflow.go; Temporal resolves activities by name, not by Go
// identifier, so the constant strings are the source of truth.
type Activities struct {
	Store       *store.Store
	Policies    *policy.Service
	Coordinator *pepcoord.Coordinator
	Syncer      *gitsync.Syncer
	Notifier    *notify.Dispatcher
}

type promoteActivityResult struct {
	ProductionPolicyID string
	AffectedPepIDs     []string
}

func (a *Activities) PromotePolicy(ctx context.Context, req PromoteRequest) (promoteActivityResult, error) {
	prod, err := a.Policies.Promote(ctx, req.TenantID, req.PolicyID, req.Actor)
	if err != nil {
		return promoteActivityResult{}, err
	}
	peps, err := a.Store.ListPepsForPolicy(ctx, req.TenantID, model.EnvProduction, prod.ID)
	if err != nil {
		return promoteActivityResult{}, err
	}
	ids := make([]string, 0, len(peps))
	for _, p := range peps {
		ids = append(ids, p.ID)
	}
	return promoteActivityResult{ProductionPolicyID: prod.ID, AffectedPepIDs: ids}, nil
}

func (a *Activities) RebuildBundle(ctx context.Context, tenantID, pepID string) error {
	pep, err := a.Store.GetPep(ctx, tenant.Scope{TenantID: tenantID, Environment: model.EnvProduction}, pepID)
	if err != nil {
		return fmt.Errorf("rebuild bundle: %w", err)
	}
	return a.Coordinator.RebuildBundle(ctx, pep)
}

func (a *Activities) GitPush(ctx context.Context, req GitSyncRequest) error {
	env := model.Environment(req.Environment)
	scope := tenant.Scope{TenantID: req.TenantID, Environment: env}
	policies, err := a.Store.ListPolicies(ctx, scope, 0, 500)
	if err != nil {
		return err
	}
	sources := make([]gitsync.PolicySource, 0, len(policies))
	for _, p := range policies {
		sources = append(sources, gitsync.PolicySource{ID: p.ID, Name: p.Name, Source: p.Source})
	}
	return a.Syncer.Push(ctx, req.TenantID, env, sources, req.Actor)
}

func (a *Activities) GitPull(ctx context.Context, req GitSyncRequest) error {
	env := model.Environment(req.Environment)
	scope := tenant.Scope{TenantID: req.TenantID, Environment: env}
	existing, err := a.Store.ListPolicies(ctx, scope, 0, 500)
	if err != nil {
		return err
	}
	known := make(map[string]string, len(existing))
	for _, p := range existing {
		known[p.ID] = p.Source
	}
	_, err = a.Syncer.Pull(ctx, req.TenantID, env, known, policy.ValidateSource)
	return err
}

func (a *Activities) DispatchNotification(ctx context.Context, tenantID string, env model.Environment, eventKind, summary string) error {
	errs := a.Notifier.Dispatch(ctx, notify.Event{
		TenantID:    tenantID,
		Environment: env,
		EventKind:   eventKind,
		Summary:     summary,
	})
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
