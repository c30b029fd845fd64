package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default coordination-engine settings, applied by
// CoordinatorConfig.ApplyDefaults for zero-valued fields.
const (
	DefaultCoordinatorMaxIterations      = 3
	DefaultCoordinatorEventLogSize       = 1024
	DefaultCoordinatorReplaySize         = 8
	DefaultCoordinatorSessionGracePeriod = 5 * time.Second
)

// CoordinatorConfig is the coordination engine's root configuration,
// loaded from coordinator.yaml. Shaped like TarsyYAMLConfig: a thin
// typed wrapper over the YAML file, with per-field defaults rather
// than the teacher's mergo-based builtin/user merge, since this
// config has no built-in layer to merge against.
type CoordinatorConfig struct {
	MaxIterations      int                               `yaml:"max_iterations,omitempty"`
	EventLogSize       int                               `yaml:"event_log_size,omitempty"`
	ReplaySize         *int                              `yaml:"replay_size,omitempty"`
	SessionGracePeriod time.Duration                     `yaml:"session_grace_period,omitempty"`
	RoleTimeouts       map[string]time.Duration          `yaml:"role_timeouts,omitempty"`
	RoleRequirements   map[string]RoleRequirementsConfig `yaml:"role_requirements,omitempty"`
	Backends           []BackendConfig                   `yaml:"backends,omitempty"`
}

// RoleRequirementsConfig adds to provider.Requirements for one role
// (planner, worker, verifier): orchestrator.NewFacade ORs each flag
// onto provider.DefaultRequirements for that role, so a default
// requirement cannot be switched off here.
type RoleRequirementsConfig struct {
	ToolCalling bool `yaml:"tool_calling,omitempty"`
	FileEditing bool `yaml:"file_editing,omitempty"`
	Terminal    bool `yaml:"terminal,omitempty"`
}

// BackendConfig describes one provider registration. Transport
// selects subprocessprovider ("subprocess") or httpprovider ("http",
// "sse"); the fields that don't apply to the chosen transport are
// simply left zero.
type BackendConfig struct {
	Name                string            `yaml:"name"`
	Role                string            `yaml:"role"`
	Transport           string            `yaml:"transport"`
	Command             string            `yaml:"command,omitempty"`
	Args                []string          `yaml:"args,omitempty"`
	Env                 map[string]string `yaml:"env,omitempty"`
	URL                 string            `yaml:"url,omitempty"`
	BearerTokenEnv      string            `yaml:"bearer_token_env,omitempty"`
	VerifySSL           *bool             `yaml:"verify_ssl,omitempty"`
	ToolName            string            `yaml:"tool_name,omitempty"`
	MaxConcurrentAgents int               `yaml:"max_concurrent_agents,omitempty"`
	Priority            int               `yaml:"priority,omitempty"`
	GracePeriod         time.Duration     `yaml:"grace_period,omitempty"`
	Timeout             time.Duration     `yaml:"timeout,omitempty"`
}

// LoadCoordinatorConfig reads and parses a coordinator.yaml file at
// path, applying defaults for zero-valued fields.
func LoadCoordinatorConfig(path string) (*CoordinatorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read coordinator config %q: %w", path, err)
	}

	var cfg CoordinatorConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse coordinator config %q: %w", path, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields (and a nil ReplaySize) with
// their defaults. LoadCoordinatorConfig and orchestrator.NewFacade
// both call this, so a CoordinatorConfig built programmatically rather
// than from YAML is defaulted too; calling it again changes nothing.
func (c *CoordinatorConfig) ApplyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultCoordinatorMaxIterations
	}
	if c.EventLogSize <= 0 {
		c.EventLogSize = DefaultCoordinatorEventLogSize
	}
	if c.ReplaySize == nil {
		// A *int (rather than int, as for the other defaulted fields)
		// so an explicit `replay_size: 0` in YAML — events.NewBus's own
		// valid, deliberate "no replay" setting — is distinguishable
		// from the field being absent and survives here unchanged.
		d := DefaultCoordinatorReplaySize
		c.ReplaySize = &d
	}
	if c.SessionGracePeriod <= 0 {
		c.SessionGracePeriod = DefaultCoordinatorSessionGracePeriod
	}
}

// RoleTimeout returns the configured timeout for role, or fallback if
// none was configured.
func (c *CoordinatorConfig) RoleTimeout(role string, fallback time.Duration) time.Duration {
	if d, ok := c.RoleTimeouts[role]; ok && d > 0 {
		return d
	}
	return fallback
}
