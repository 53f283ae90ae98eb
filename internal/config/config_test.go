// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warden-dev/warden/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warden.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:18790", cfg.Networking.Listen)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, 5*time.Second, cfg.Snapshot.Interval)
	assert.Equal(t, 15*time.Second, cfg.Snapshot.Staleness)
	assert.InDelta(t, 0.05, cfg.Scoring.Thresholds.Warning, 1e-9)
	assert.InDelta(t, 0.10, cfg.Scoring.Thresholds.Critical, 1e-9)
	assert.Equal(t, 5, cfg.Scoring.Escalation.WarningCount)
	assert.Equal(t, 168*time.Hour, cfg.Scoring.Escalation.Window)
	assert.Equal(t, 3, cfg.Mode.CriticalCount)
	assert.InDelta(t, 0.50, cfg.Governor.TaskBudgetUSD, 1e-9)
	assert.Equal(t, 50, cfg.Governor.TaskStepCeiling)
	assert.Equal(t, "normal", cfg.Facts.DomainRegime)
	assert.Equal(t, "baseline", cfg.Facts.ActivePolicyID)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
networking:
  listen: "0.0.0.0:9000"
snapshot:
  interval: 1s
  staleness: 10s
governor:
  task_budget_usd: 1.25
auth:
  "tok-supervisor-1":
    identity: sup-alice
    tier: supervisor
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Networking.Listen)
	assert.Equal(t, time.Second, cfg.Snapshot.Interval)
	assert.InDelta(t, 1.25, cfg.Governor.TaskBudgetUSD, 1e-9)

	tc, ok := cfg.Auth["tok-supervisor-1"]
	require.True(t, ok)
	assert.Equal(t, "sup-alice", tc.Identity)
	assert.Equal(t, "supervisor", tc.Tier)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("WARDEN_GOVERNOR_TASK_CALL_QUOTA", "7")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Governor.TaskCallQuota)
}

func TestLoad_DefaultConfigFileIsValid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warden.yaml")
	require.NoError(t, os.WriteFile(path, config.DefaultConfigYAML, 0o600))

	_, err := config.Load(path)
	require.NoError(t, err)
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	path := writeConfig(t, `
networking:
  listen: "not-an-address"
storage:
  backend: postgres
scoring:
  thresholds:
    warning: 0.5
    critical: 0.2
auth:
  "tok-1":
    identity: ""
    tier: emperor
`)

	_, err := config.Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "networking.listen")
	assert.Contains(t, err.Error(), "storage.backend")
	assert.Contains(t, err.Error(), "thresholds.critical")
	assert.Contains(t, err.Error(), "tier")
}

func TestValidate_StalenessShorterThanInterval(t *testing.T) {
	path := writeConfig(t, `
snapshot:
  interval: 30s
  staleness: 10s
`)

	_, err := config.Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "snapshot.staleness")
}
