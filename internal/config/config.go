package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"stageline/internal/stage"
)

// Approval modes for a gate rule.
const (
	ApprovalAlways      = "always"
	ApprovalConditional = "conditional"
	ApprovalNever       = "never"
)

// GateRule is the human-approval policy for one stage. Per-project overrides
// are merged over the global defaults field by field.
type GateRule struct {
	Approval        string   `yaml:"approval" json:"approval"`
	ApproverRoles   []string `yaml:"approver_roles,omitempty" json:"approver_roles,omitempty"`
	MinQualityScore *int     `yaml:"min_quality_score,omitempty" json:"min_quality_score,omitempty"`
}

// Autopilot holds the safety-interlock tuning knobs.
type Autopilot struct {
	ThrottleSeconds  int `yaml:"throttle_seconds" json:"throttle_seconds"`
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	LockMinutes      int `yaml:"lock_minutes" json:"lock_minutes"`
	DefectCycleCap   int `yaml:"defect_cycle_cap" json:"defect_cycle_cap"`
	SweeperBatch     int `yaml:"sweeper_batch" json:"sweeper_batch"`
	SweeperSeconds   int `yaml:"sweeper_seconds" json:"sweeper_seconds"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Config models stageline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id" json:"id"`
		Kind string `yaml:"kind" json:"kind"`
	} `yaml:"project" json:"project"`
	Gates struct {
		Defaults map[string]GateRule `yaml:"defaults" json:"defaults"`
	} `yaml:"gates" json:"gates"`
	Autopilot Autopilot       `yaml:"autopilot" json:"autopilot"`
	Webhooks  []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
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
	if c.Project.Kind != "delivery-project" {
		return fmt.Errorf("config.project.kind must be 'delivery-project'")
	}
	for key, rule := range c.Gates.Defaults {
		if _, err := stage.Parse(key); err != nil {
			return fmt.Errorf("gates.defaults: %w", err)
		}
		switch rule.Approval {
		case ApprovalAlways, ApprovalConditional, ApprovalNever:
		default:
			return fmt.Errorf("gate %s: approval must be always, conditional or never", key)
		}
		if rule.Approval != ApprovalNever && len(rule.ApproverRoles) == 0 {
			return fmt.Errorf("gate %s: approver_roles required when approval is %s", key, rule.Approval)
		}
		for _, role := range rule.ApproverRoles {
			if role == "" {
				return fmt.Errorf("gate %s has empty approver role", key)
			}
		}
		if rule.MinQualityScore != nil && (*rule.MinQualityScore < 0 || *rule.MinQualityScore > 100) {
			return fmt.Errorf("gate %s: min_quality_score must be within 0..100", key)
		}
	}
	a := c.Autopilot
	if a.ThrottleSeconds < 0 || a.FailureThreshold < 1 || a.LockMinutes < 1 || a.DefectCycleCap < 0 {
		return fmt.Errorf("autopilot settings out of range")
	}
	if a.SweeperBatch < 1 {
		return fmt.Errorf("autopilot.sweeper_batch must be at least 1")
	}
	return nil
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
	cfg.Project.Kind = "delivery-project"
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
  kind: delivery-project

gates:
  defaults:
    onboarding:
      approval: never
    assignment:
      approval: conditional
      approver_roles: [delivery_lead]
    build:
      approval: conditional
      approver_roles: [delivery_lead, consultant]
      min_quality_score: 80
    test:
      approval: never
    defect_validation:
      approval: conditional
      approver_roles: [delivery_lead]
    complete:
      approval: never

autopilot:
  throttle_seconds: 10
  failure_threshold: 3
  lock_minutes: 30
  defect_cycle_cap: 2
  sweeper_batch: 25
  sweeper_seconds: 60
`
