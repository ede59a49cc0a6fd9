// Package policy implements the Policy Lifecycle (spec §4.2):
// authoritative CRUD over policies and templates, environment
// promotion, retirement, and advisory conflict detection. Promotion
// fans out to the bundle builder via a caller-supplied rebuild hook so
// this package stays ignorant of how bundles are constructed.
package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/open-policy-agent/opa/ast"

	"github.com/controlcoreio/control-core/internal/control"
	"github.com/controlcoreio/control-core/internal/model"
	"github.com/controlcoreio/control-core/internal/store"
	"github.com/controlcoreio/control-core/internal/tenant"
)

// RebuildHook is invoked after a successful promote() for every
// production PEP whose assignment includes the promoted policy, so
// the caller can trigger an asynchronous bundle rebuild without this
// package depending on the bundle package directly.
type RebuildHook func(ctx context.Context, pep model.Pep)

type Service struct {
	store   *store.Store
	rebuild RebuildHook
}

func New(s *store.Store, rebuild RebuildHook) *Service {
	if rebuild == nil {
		rebuild = func(context.Context, model.Pep) {}
	}
	return &Service{store: s, rebuild: rebuild}
}

// Create validates source against the policy-language parser before
// persisting. No network dependency: this is a pure syntax/schema
// check, grounded in OPA's own rego/ast parser, the same evaluator
// the decision engine uses to run the policy later.
func (s *Service) Create(ctx context.Context, scope tenant.Scope, p model.Policy) (model.Policy, error) {
	if err := ValidateSource(p.Source); err != nil {
		return model.Policy{}, control.Validation(fmt.Sprintf("invalid policy source: %v", err))
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.Environment = scope.Environment
	if p.SandboxStatus == "" {
		p.SandboxStatus = model.StatusNotPromoted
	}
	if p.ProductionStatus == "" {
		p.ProductionStatus = model.StatusNotPromoted
	}
	if p.Folder == "" {
		p.Folder = model.FolderDrafts
	}
	if err := s.store.CreatePolicy(ctx, scope, p); err != nil {
		return model.Policy{}, control.Wrap(control.KindConflict, "create policy", err)
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, scope tenant.Scope, id string) (model.Policy, error) {
	p, err := s.store.GetPolicy(ctx, scope, id)
	if err != nil {
		return model.Policy{}, control.NotFound(fmt.Sprintf("policy %s not found", id))
	}
	return p, nil
}

func (s *Service) List(ctx context.Context, scope tenant.Scope, skip, limit int) ([]model.Policy, error) {
	return s.store.ListPolicies(ctx, scope, skip, limit)
}

// Update rejects writes to a production row unless the caller has
// production-write capability: the tenant-wide "production is
// read-only by default" rule (§4.9) is enforced here, not just at the
// HTTP layer, so no internal caller can bypass it either.
func (s *Service) Update(ctx context.Context, scope tenant.Scope, allowProductionWrite bool, p model.Policy) (model.Policy, error) {
	if scope.Environment == model.EnvProduction && !allowProductionWrite {
		return model.Policy{}, control.New(control.KindProductionLocked, "production policies are read-only without the production-write capability")
	}
	if err := ValidateSource(p.Source); err != nil {
		return model.Policy{}, control.Validation(fmt.Sprintf("invalid policy source: %v", err))
	}
	if err := s.store.UpdatePolicy(ctx, scope, p); err != nil {
		return model.Policy{}, control.NotFound(fmt.Sprintf("policy %s not found", p.ID))
	}
	return p, nil
}

// Promote atomically copies sandboxID's policy into a new production
// row, links the ancestor, and triggers a bundle rebuild for every
// affected production PEP.
func (s *Service) Promote(ctx context.Context, tenantID, sandboxID, actor string) (model.Policy, error) {
	sandboxScope := tenant.Scope{TenantID: tenantID, Environment: model.EnvSandbox}
	sb, err := s.store.GetPolicy(ctx, sandboxScope, sandboxID)
	if err != nil {
		return model.Policy{}, control.NotFound(fmt.Sprintf("policy %s not found", sandboxID))
	}

	prod := model.Policy{
		ID:                  uuid.NewString(),
		TenantID:            tenantID,
		Name:                sb.Name,
		Description:         sb.Description,
		Source:              sb.Source,
		TargetResources:     sb.TargetResources,
		Effect:              sb.Effect,
		Folder:              sb.Folder,
		Environment:         model.EnvProduction,
		ProductionStatus:    model.StatusActive,
		PromotedFromSandbox: true,
		PromotedAt:          time.Now().UTC(),
		PromotedBy:          actor,
		SandboxAncestorID:   sandboxID,
		TemplateID:          sb.TemplateID,
	}
	if err := s.store.PromoteTx(ctx, tenantID, sandboxID, prod); err != nil {
		return model.Policy{}, control.Conflict(fmt.Sprintf("policy already promoted: %v", err))
	}

	peps, err := s.store.ListPepsForPolicy(ctx, tenantID, model.EnvProduction, prod.ID)
	if err == nil {
		for _, pep := range peps {
			s.rebuild(ctx, pep)
		}
	}
	return prod, nil
}

func (s *Service) Retire(ctx context.Context, scope tenant.Scope, id string) error {
	if err := s.store.RetirePolicy(ctx, scope, id); err != nil {
		return control.NotFound(fmt.Sprintf("policy %s not found", id))
	}
	return nil
}

// ConflictCheck is advisory: it never blocks a save. It flags two
// enabled deny-effect policies targeting the same resource (a
// redundant rule pair worth a human looking at) and pairs instantiated
// from the same template. Cyclic references are not detected.
func (s *Service) ConflictCheck(ctx context.Context, scope tenant.Scope, candidate model.Policy) ([]string, error) {
	existing, err := s.store.ListEnabledForResources(ctx, scope, candidate.TargetResources)
	if err != nil {
		return nil, err
	}
	var conflicts []string
	for _, other := range existing {
		if other.ID == candidate.ID {
			continue
		}
		if other.Effect == model.EffectDeny && candidate.Effect == model.EffectDeny {
			for _, t := range candidate.TargetResources {
				if contains(other.TargetResources, t) {
					conflicts = append(conflicts, fmt.Sprintf("policy %s also denies resource %s", other.ID, t))
					break
				}
			}
		}
		if other.TemplateID != "" && candidate.TemplateID != "" && other.TemplateID == candidate.TemplateID && other.ID != candidate.ID {
			conflicts = append(conflicts, fmt.Sprintf("policy %s instantiates the same template %s", other.ID, other.TemplateID))
		}
	}
	return conflicts, nil
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// ValidateSource parses source as a rego module without evaluating
// it, rejecting syntax or schema errors before the policy is ever
// persisted or shipped in a bundle.
func ValidateSource(source string) error {
	if strings.TrimSpace(source) == "" {
		return fmt.Errorf("policy source must not be empty")
	}
	if _, err := ast.ParseModule("policy.rego", source); err != nil {
		return fmt.Errorf("invalid policy source: %w", err)
	}
	return nil
}
