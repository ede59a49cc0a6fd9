package policy

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/controlcoreio/control-core/internal/control"
	"github.com/controlcoreio/control-core/internal/model"
	"github.com/controlcoreio/control-core/internal/tenant"
)

// ListTemplates and GetTemplate serve the public, unauthenticated
// template catalogue (§4.2: "do not require authentication to list").
func (s *Service) ListTemplates(ctx context.Context, category string) ([]model.PolicyTemplate, error) {
	return s.store.ListPolicyTemplates(ctx, category)
}

func (s *Service) GetTemplate(ctx context.Context, id string) (model.PolicyTemplate, error) {
	t, err := s.store.GetPolicyTemplate(ctx, id)
	if err != nil {
		return model.PolicyTemplate{}, control.NotFound("template " + id + " not found")
	}
	return t, nil
}

// InstantiateTemplate renders tpl's source with values, substituting
// each parameter's {{name}} placeholder, and creates the result as a
// new policy in the caller's tenant and environment (which defaults
// to sandbox per §4.2).
func (s *Service) InstantiateTemplate(ctx context.Context, scope tenant.Scope, templateID string, values map[string]string, targetResources []string) (model.Policy, error) {
	tpl, err := s.GetTemplate(ctx, templateID)
	if err != nil {
		return model.Policy{}, err
	}

	rendered := tpl.Source
	for _, param := range tpl.Parameters {
		v, ok := values[param.Name]
		if !ok || v == "" {
			v = param.Default
		}
		rendered = strings.ReplaceAll(rendered, "{{"+param.Name+"}}", v)
	}

	p := model.Policy{
		ID:              uuid.NewString(),
		TenantID:        scope.TenantID,
		Name:            tpl.Name,
		Description:     tpl.Description,
		Source:          rendered,
		TargetResources: targetResources,
		Effect:          tpl.DefaultEffect,
		Folder:          model.FolderDrafts,
		Environment:     scope.Environment,
		TemplateID:      tpl.ID,
	}
	return s.Create(ctx, scope, p)
}
