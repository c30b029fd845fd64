package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCoordinatorYAML(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "coordinator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadCoordinatorConfig_AppliesDefaultsWhenOmitted(t *testing.T) {
	path := writeCoordinatorYAML(t, `
backends:
  - name: claude-cli
    role: worker
    transport: subprocess
    command: claude
`)

	cfg, err := LoadCoordinatorConfig(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultCoordinatorMaxIterations, cfg.MaxIterations)
	assert.Equal(t, DefaultCoordinatorEventLogSize, cfg.EventLogSize)
	require.NotNil(t, cfg.ReplaySize)
	assert.Equal(t, DefaultCoordinatorReplaySize, *cfg.ReplaySize)
	assert.Equal(t, DefaultCoordinatorSessionGracePeriod, cfg.SessionGracePeriod)
	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, "claude-cli", cfg.Backends[0].Name)
	assert.Equal(t, "subprocess", cfg.Backends[0].Transport)
}

func TestLoadCoordinatorConfig_HonorsExplicitValues(t *testing.T) {
	path := writeCoordinatorYAML(t, `
max_iterations: 5
event_log_size: 200
replay_size: 20
session_grace_period: 10s
role_timeouts:
  planner: 90s
  worker: 10m
role_requirements:
  planner:
    tool_calling: true
backends:
  - name: remote-codex
    role: worker
    transport: http
    url: https://example.internal/mcp
    bearer_token_env: CODEX_TOKEN
    max_concurrent_agents: 4
`)

	cfg, err := LoadCoordinatorConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.MaxIterations)
	assert.Equal(t, 200, cfg.EventLogSize)
	require.NotNil(t, cfg.ReplaySize)
	assert.Equal(t, 20, *cfg.ReplaySize)
	assert.Equal(t, 10*time.Second, cfg.SessionGracePeriod)
	assert.Equal(t, 90*time.Second, cfg.RoleTimeout("planner", time.Minute))
	assert.Equal(t, time.Minute, cfg.RoleTimeout("verifier", time.Minute))
	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, "http", cfg.Backends[0].Transport)
	assert.Equal(t, 4, cfg.Backends[0].MaxConcurrentAgents)
}

// TestLoadCoordinatorConfig_ExplicitZeroReplaySizeIsPreserved covers an
// operator deliberately disabling replay-on-subscribe: replay_size: 0
// must survive ApplyDefaults rather than being silently overridden to
// DefaultCoordinatorReplaySize, since events.NewBus treats 0 as a
// valid "no replay" setting distinct from the field being unset.
func TestLoadCoordinatorConfig_ExplicitZeroReplaySizeIsPreserved(t *testing.T) {
	path := writeCoordinatorYAML(t, `
replay_size: 0
backends:
  - name: claude-cli
    role: worker
    transport: subprocess
    command: claude
`)

	cfg, err := LoadCoordinatorConfig(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.ReplaySize)
	assert.Equal(t, 0, *cfg.ReplaySize)
}

func TestLoadCoordinatorConfig_MissingFileErrors(t *testing.T) {
	_, err := LoadCoordinatorConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
