// Package config loads the optional .loom.yaml file layering overrides on
// top of the built-in defaults. Absence of the file is not an error; the
// defaults alone are a working configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"weave/loom/internal/budget"
	"weave/loom/internal/machine"
	"weave/loom/internal/resilience"
	"weave/loom/internal/runner"
)

// FileName is the config file looked up next to the database.
const FileName = ".loom.yaml"

// Config is the full tunable surface.
type Config struct {
	Budget  BudgetConfig    `yaml:"budget"`
	Planner *machine.Config `yaml:"planner"` // nil keeps per-kind defaults
	Runner  RunnerConfig    `yaml:"runner"`
}

// BudgetConfig mirrors the guard thresholds.
type BudgetConfig struct {
	DefaultLimit int64   `yaml:"default_limit"`
	SoftFraction float64 `yaml:"soft_fraction"`
	HardFraction float64 `yaml:"hard_fraction"`
}

// RunnerConfig mirrors the loop and resilience settings.
type RunnerConfig struct {
	MaxSteps       int     `yaml:"max_steps"`
	BatchWidth     int     `yaml:"batch_width"`
	StopOnError    bool    `yaml:"stop_on_error"`
	SummaryRatio   float64 `yaml:"summary_ratio"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	Retry          struct {
		MaxAttempts    int     `yaml:"max_attempts"`
		InitialDelayMs int     `yaml:"initial_delay_ms"`
		Multiplier     float64 `yaml:"multiplier"`
		MaxDelayMs     int     `yaml:"max_delay_ms"`
	} `yaml:"retry"`
}

// Load reads path if it exists. A missing file returns an empty Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// BudgetGuard converts the overrides into guard thresholds, starting from
// the environment-aware defaults.
func (c *Config) BudgetGuard() budget.Config {
	cfg := budget.DefaultConfig()
	if c.Budget.DefaultLimit > 0 {
		cfg.DefaultLimit = c.Budget.DefaultLimit
	}
	if c.Budget.SoftFraction > 0 {
		cfg.SoftFraction = c.Budget.SoftFraction
	}
	if c.Budget.HardFraction > 0 {
		cfg.HardFraction = c.Budget.HardFraction
	}
	return cfg
}

// RunnerSettings converts the overrides into a runner config.
func (c *Config) RunnerSettings() runner.Config {
	cfg := runner.DefaultConfig()
	if c.Runner.MaxSteps > 0 {
		cfg.MaxSteps = c.Runner.MaxSteps
	}
	if c.Runner.BatchWidth > 0 {
		cfg.BatchWidth = c.Runner.BatchWidth
	}
	if c.Runner.StopOnError {
		cfg.StopOnError = true
	}
	if c.Runner.SummaryRatio > 0 && c.Runner.SummaryRatio <= 1 {
		cfg.SummaryRatio = c.Runner.SummaryRatio
	}
	if c.Runner.TimeoutSeconds > 0 {
		cfg.Timeout = time.Duration(c.Runner.TimeoutSeconds) * time.Second
	}

	retry := resilience.DefaultRetryConfig()
	if c.Runner.Retry.MaxAttempts > 0 {
		retry.MaxAttempts = c.Runner.Retry.MaxAttempts
	}
	if c.Runner.Retry.InitialDelayMs > 0 {
		retry.InitialDelay = time.Duration(c.Runner.Retry.InitialDelayMs) * time.Millisecond
	}
	if c.Runner.Retry.Multiplier > 0 {
		retry.Multiplier = c.Runner.Retry.Multiplier
	}
	if c.Runner.Retry.MaxDelayMs > 0 {
		retry.MaxDelay = time.Duration(c.Runner.Retry.MaxDelayMs) * time.Millisecond
	}
	cfg.Retry = retry
	return cfg
}
