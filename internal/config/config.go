package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models stageline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id" json:"id"`
		Kind string `yaml:"kind" json:"kind"`
	} `yaml:"project" json:"project"`
	Stages struct {
		// Catalog maps a stage template name to the lifecycle flags a
		// stage created from it starts with.
		Catalog  map[string]StageTemplate `yaml:"catalog" json:"catalog"`
		Defaults StageTemplate            `yaml:"defaults" json:"defaults"`
	} `yaml:"stages" json:"stages"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
	RBAC     struct {
		Roles map[string]RBACRole `yaml:"roles" json:"roles,omitempty"`
	} `yaml:"rbac" json:"rbac"`
}

type StageTemplate struct {
	RequiresApproval bool `yaml:"requires_approval" json:"requires_approval"`
	AllowsRounds     bool `yaml:"allows_rounds" json:"allows_rounds"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret" json:"secret,omitempty"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

type RBACRole struct {
	Description string   `yaml:"description" json:"description,omitempty"`
	Permissions []string `yaml:"permissions" json:"permissions"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with sl project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "construction-project" {
		return fmt.Errorf("config.project.kind must be 'construction-project'")
	}
	for name, tpl := range c.Stages.Catalog {
		if name == "" {
			return fmt.Errorf("config.stages.catalog contains empty template name")
		}
		_ = tpl
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	return nil
}

// TemplateFor returns the lifecycle flags for a stage template name,
// falling back to the configured defaults.
func (c *Config) TemplateFor(name string) StageTemplate {
	if tpl, ok := c.Stages.Catalog[name]; ok {
		return tpl
	}
	return c.Stages.Defaults
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stageline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "construction-project"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  kind: construction-project

stages:
  catalog:
    concept:
      requires_approval: false
      allows_rounds: true
    schematic-design:
      requires_approval: true
      allows_rounds: true
    permit-submission:
      requires_approval: true
      allows_rounds: false
    construction-documents:
      requires_approval: true
      allows_rounds: true
    site-handover:
      requires_approval: true
      allows_rounds: false
  defaults:
    requires_approval: false
    allows_rounds: false
`
