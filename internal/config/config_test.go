package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	content := `
[watchdog]
max_restarts = 5
window_ms = 120000

[recovery]
policy = "fail"

[session]
budget = 1000
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Watchdog.MaxRestarts)
	assert.Equal(t, 2*time.Minute, cfg.WatchdogWindow())
	assert.Equal(t, PolicyFail, cfg.Recovery.Policy)
	assert.Equal(t, 1000, cfg.Session.Budget)
	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.HealthCheckInterval())
	assert.Equal(t, 0.60, cfg.Session.Thresholds.Summarize)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("[watchdog\n"), 0644))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero health interval", func(c *Config) { c.Health.CheckIntervalMs = 0 }},
		{"zero history size", func(c *Config) { c.Health.RestartHistorySize = 0 }},
		{"negative max restarts", func(c *Config) { c.Watchdog.MaxRestarts = -1 }},
		{"zero watchdog window", func(c *Config) { c.Watchdog.WindowMs = 0 }},
		{"zero staleness threshold", func(c *Config) { c.Recovery.StalenessThresholdMs = 0 }},
		{"unknown policy", func(c *Config) { c.Recovery.Policy = "shrug" }},
		{"zero budget", func(c *Config) { c.Session.Budget = 0 }},
		{"negative budget", func(c *Config) { c.Session.Budget = -5 }},
		{"threshold above one", func(c *Config) { c.Session.Thresholds.Handoff = 1.5 }},
		{"threshold at zero", func(c *Config) { c.Session.Thresholds.Summarize = 0 }},
		{"unordered thresholds", func(c *Config) {
			c.Session.Thresholds.Summarize = 0.9
			c.Session.Thresholds.Checkpoint = 0.5
		}},
		{"negative retry max", func(c *Config) { c.Scheduler.TaskRetryMax = -1 }},
		{"zero tick interval", func(c *Config) { c.Scheduler.TickIntervalMs = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	content := "[session]\nbudget = -1\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644))

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session.budget")
}
