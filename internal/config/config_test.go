package config_test

import (
	"strings"
	"testing"

	"stageline/internal/config"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := config.Default("proj-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Project.Kind != "construction-project" {
		t.Fatalf("unexpected kind %s", cfg.Project.Kind)
	}
	tpl := cfg.TemplateFor("schematic-design")
	if !tpl.RequiresApproval || !tpl.AllowsRounds {
		t.Fatalf("schematic-design template flags wrong: %+v", tpl)
	}
	// Unknown template names fall back to defaults.
	tpl = cfg.TemplateFor("does-not-exist")
	if tpl.RequiresApproval || tpl.AllowsRounds {
		t.Fatalf("expected default flags, got %+v", tpl)
	}
}

func TestFromYAMLRejectsWrongKind(t *testing.T) {
	_, err := config.FromYAML([]byte(`
project:
  id: proj-1
  kind: something-else
`))
	if err == nil || !strings.Contains(err.Error(), "kind") {
		t.Fatalf("expected kind error, got %v", err)
	}
}

func TestFromYAMLRequiresOwnerRole(t *testing.T) {
	_, err := config.FromYAML([]byte(`
project:
  id: proj-1
  kind: construction-project
rbac:
  roles:
    architect:
      permissions: [stage.update]
`))
	if err == nil || !strings.Contains(err.Error(), "owner") {
		t.Fatalf("expected owner role error, got %v", err)
	}
}

func TestFromYAMLRejectsWebhookWithoutURL(t *testing.T) {
	_, err := config.FromYAML([]byte(`
project:
  id: proj-1
  kind: construction-project
webhooks:
  - secret: shh
`))
	if err == nil || !strings.Contains(err.Error(), "url") {
		t.Fatalf("expected webhook url error, got %v", err)
	}
}
