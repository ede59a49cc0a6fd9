package policy

import (
	"context"
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/controlcoreio/control-core/internal/model"
	"github.com/controlcoreio/control-core/internal/store"
)

//go:embed seed_templates.yaml
var seedTemplatesYAML []byte

type seedParameter struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Default string `yaml:"default"`
}

type seedTemplate struct {
	ID             string          `yaml:"id"`
	Name           string          `yaml:"name"`
	Description    string          `yaml:"description"`
	Category       string          `yaml:"category"`
	RiskLevel      string          `yaml:"risk_level"`
	ComplianceTags []string        `yaml:"compliance_tags"`
	DefaultEffect  model.Effect    `yaml:"default_effect"`
	Source         string          `yaml:"source"`
	Parameters     []seedParameter `yaml:"parameters"`
}

// SeedBuiltinTemplates upserts the starter catalogue embedded at
// seed_templates.yaml, the same way the teacher's releaseparty config
// reads its own YAML file (gopkg.in/yaml.v3), just embedded instead of
// read from disk since this content ships with the binary rather than
// living in a tenant's repo. Safe to call on every startup: each
// template's ID is its natural key, so a repeated seed is a no-op
// beyond overwriting with (possibly updated) shipped content.
func SeedBuiltinTemplates(ctx context.Context, s *store.Store) error {
	var raw []seedTemplate
	if err := yaml.Unmarshal(seedTemplatesYAML, &raw); err != nil {
		return fmt.Errorf("policy: parse seed templates: %w", err)
	}
	for _, t := range raw {
		params := make([]model.TemplateParameter, 0, len(t.Parameters))
		for _, p := range t.Parameters {
			params = append(params, model.TemplateParameter{Name: p.Name, Type: p.Type, Default: p.Default})
		}
		tpl := model.PolicyTemplate{
			ID:             t.ID,
			Name:           t.Name,
			Description:    t.Description,
			Category:       t.Category,
			RiskLevel:      t.RiskLevel,
			ComplianceTags: t.ComplianceTags,
			Source:         t.Source,
			DefaultEffect:  t.DefaultEffect,
			Parameters:     params,
		}
		if err := s.PutPolicyTemplate(ctx, tpl); err != nil {
			return fmt.Errorf("policy: seed template %s: %w", t.ID, err)
		}
	}
	return nil
}
