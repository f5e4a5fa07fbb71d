// Package config loads and validates the foreman configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the configuration file name inside the foreman root.
const FileName = "config.toml"

// RecoveryPolicy says what to do with a task reclassified as orphaned.
type RecoveryPolicy string

const (
	// PolicyRequeue resets the task to queued and bumps its retry count.
	PolicyRequeue RecoveryPolicy = "requeue"
	// PolicyFail marks the task failed with reason "orphaned".
	PolicyFail RecoveryPolicy = "fail"
	// PolicyManual leaves the task orphaned for operator intervention.
	PolicyManual RecoveryPolicy = "manual"
)

// Config is the full recognized configuration surface.
// All durations are stored as milliseconds in the file.
type Config struct {
	Health struct {
		CheckIntervalMs    int `toml:"check_interval_ms"`
		RestartHistorySize int `toml:"restart_history_size"`
	} `toml:"health"`

	Watchdog struct {
		MaxRestarts int `toml:"max_restarts"`
		WindowMs    int `toml:"window_ms"`
	} `toml:"watchdog"`

	Recovery struct {
		StalenessThresholdMs int            `toml:"staleness_threshold_ms"`
		Policy               RecoveryPolicy `toml:"policy"`
	} `toml:"recovery"`

	Session struct {
		Budget     int `toml:"budget"`
		Thresholds struct {
			Summarize  float64 `toml:"summarize"`
			Checkpoint float64 `toml:"checkpoint"`
			Handoff    float64 `toml:"handoff"`
		} `toml:"thresholds"`
	} `toml:"session"`

	Scheduler struct {
		TaskRetryMax   int `toml:"task_retry_max"`
		TickIntervalMs int `toml:"tick_interval_ms"`
	} `toml:"scheduler"`
}

// Default returns the built-in configuration. All values here are starting
// points, not policy; anything in config.toml overrides them.
func Default() *Config {
	cfg := &Config{}
	cfg.Health.CheckIntervalMs = 30_000
	cfg.Health.RestartHistorySize = 50
	cfg.Watchdog.MaxRestarts = 3
	cfg.Watchdog.WindowMs = 600_000
	cfg.Recovery.StalenessThresholdMs = 120_000
	cfg.Recovery.Policy = PolicyRequeue
	cfg.Session.Budget = 200_000
	cfg.Session.Thresholds.Summarize = 0.60
	cfg.Session.Thresholds.Checkpoint = 0.80
	cfg.Session.Thresholds.Handoff = 0.95
	cfg.Scheduler.TaskRetryMax = 3
	cfg.Scheduler.TickIntervalMs = 1_000
	return cfg
}

// Load reads config.toml from the foreman root. A missing file yields the
// defaults; a present but invalid file is an error.
func Load(root string) (*Config, error) {
	cfg := Default()

	path := filepath.Join(root, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would misbehave at runtime.
// Called before the daemon mutates any state.
func (c *Config) Validate() error {
	if c.Health.CheckIntervalMs <= 0 {
		return fmt.Errorf("health.check_interval_ms must be positive, got %d", c.Health.CheckIntervalMs)
	}
	if c.Health.RestartHistorySize <= 0 {
		return fmt.Errorf("health.restart_history_size must be positive, got %d", c.Health.RestartHistorySize)
	}
	if c.Watchdog.MaxRestarts < 0 {
		return fmt.Errorf("watchdog.max_restarts must not be negative, got %d", c.Watchdog.MaxRestarts)
	}
	if c.Watchdog.WindowMs <= 0 {
		return fmt.Errorf("watchdog.window_ms must be positive, got %d", c.Watchdog.WindowMs)
	}
	if c.Recovery.StalenessThresholdMs <= 0 {
		return fmt.Errorf("recovery.staleness_threshold_ms must be positive, got %d", c.Recovery.StalenessThresholdMs)
	}
	switch c.Recovery.Policy {
	case PolicyRequeue, PolicyFail, PolicyManual:
	default:
		return fmt.Errorf("recovery.policy must be requeue, fail, or manual, got %q", c.Recovery.Policy)
	}
	// A zero or negative budget would make utilization undefined. Reject it
	// here so the scheduler never has to guard against division by zero.
	if c.Session.Budget <= 0 {
		return fmt.Errorf("session.budget must be positive, got %d", c.Session.Budget)
	}
	th := c.Session.Thresholds
	for name, v := range map[string]float64{
		"summarize":  th.Summarize,
		"checkpoint": th.Checkpoint,
		"handoff":    th.Handoff,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("session.thresholds.%s must be in (0, 1], got %v", name, v)
		}
	}
	if th.Summarize > th.Checkpoint || th.Checkpoint > th.Handoff {
		return fmt.Errorf("session thresholds must satisfy summarize <= checkpoint <= handoff, got %v <= %v <= %v",
			th.Summarize, th.Checkpoint, th.Handoff)
	}
	if c.Scheduler.TaskRetryMax < 0 {
		return fmt.Errorf("scheduler.task_retry_max must not be negative, got %d", c.Scheduler.TaskRetryMax)
	}
	if c.Scheduler.TickIntervalMs <= 0 {
		return fmt.Errorf("scheduler.tick_interval_ms must be positive, got %d", c.Scheduler.TickIntervalMs)
	}
	return nil
}

// Duration accessors so callers don't juggle millisecond ints.

// HealthCheckInterval returns the health sampler interval.
func (c *Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.Health.CheckIntervalMs) * time.Millisecond
}

// WatchdogWindow returns the sliding window for restart counting.
func (c *Config) WatchdogWindow() time.Duration {
	return time.Duration(c.Watchdog.WindowMs) * time.Millisecond
}

// StalenessThreshold returns the orphan reclassification threshold.
func (c *Config) StalenessThreshold() time.Duration {
	return time.Duration(c.Recovery.StalenessThresholdMs) * time.Millisecond
}

// TickInterval returns the scheduler loop interval.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickIntervalMs) * time.Millisecond
}
