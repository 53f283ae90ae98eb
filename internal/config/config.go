// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Warden Contributors

// Package config loads and validates the Warden configuration. Precedence is
// flags, then WARDEN_ environment variables, then the config file, then
// defaults.
package config

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/warden-dev/warden/internal/store"
	wardenerr "github.com/warden-dev/warden/pkg/errors"
)

// Config is the top-level Warden configuration.
type Config struct {
	Networking NetworkingConfig       `mapstructure:"networking"`
	Storage    StorageConfig          `mapstructure:"storage"`
	Snapshot   SnapshotConfig         `mapstructure:"snapshot"`
	Scoring    ScoringConfig          `mapstructure:"scoring"`
	Mode       ModeConfig             `mapstructure:"mode"`
	Governor   GovernorConfig         `mapstructure:"governor"`
	Facts      FactsConfig            `mapstructure:"facts"`
	Auth       map[string]TokenConfig `mapstructure:"auth"`
}

// NetworkingConfig controls how Warden listens for connections.
type NetworkingConfig struct {
	Listen string `mapstructure:"listen"`
}

// StorageConfig selects the storage backend and data directory.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	DataDir string `mapstructure:"data_dir"`
}

// SnapshotConfig controls snapshot publication and freshness.
type SnapshotConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Staleness   time.Duration `mapstructure:"staleness"`
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
	AuditWindow time.Duration `mapstructure:"audit_window"`
}

// ScoringConfig controls discrepancy scoring and escalation.
type ScoringConfig struct {
	WeightsPath string           `mapstructure:"weights_path"`
	Thresholds  ThresholdsConfig `mapstructure:"thresholds"`
	Escalation  EscalationConfig `mapstructure:"escalation"`
}

// ThresholdsConfig sets the base classification thresholds.
type ThresholdsConfig struct {
	Warning  float64 `mapstructure:"warning"`
	Critical float64 `mapstructure:"critical"`
}

// EscalationConfig sets the sustained-warning escalation rule.
type EscalationConfig struct {
	WarningCount int           `mapstructure:"warning_count"`
	Window       time.Duration `mapstructure:"window"`
}

// ModeConfig sets the automatic mode escalation rules.
type ModeConfig struct {
	CriticalCount  int           `mapstructure:"critical_count"`
	CriticalWindow time.Duration `mapstructure:"critical_window"`
}

// GovernorConfig sets the base usage ceilings.
type GovernorConfig struct {
	PerMinuteCalls     int     `mapstructure:"per_minute_calls"`
	TaskCallQuota      int     `mapstructure:"task_call_quota"`
	TaskBudgetUSD      float64 `mapstructure:"task_budget_usd"`
	AgentDayBudgetUSD  float64 `mapstructure:"agent_day_budget_usd"`
	GlobalDayBudgetUSD float64 `mapstructure:"global_day_budget_usd"`
	TaskStepCeiling    int     `mapstructure:"task_step_ceiling"`
	// DegradeWindow is how long a ceiling breach keeps the breached scope
	// at a stricter effective mode level.
	DegradeWindow time.Duration `mapstructure:"degrade_window"`
}

// FactsConfig seeds the domain facts folded into each snapshot. These are
// the operator-declared regime and policy until an external fact feed is
// attached.
type FactsConfig struct {
	DomainRegime   string `mapstructure:"domain_regime"`
	ActivePolicyID string `mapstructure:"active_policy_id"`
}

// TokenConfig maps a bearer token to an identity and its authority tier.
type TokenConfig struct {
	Identity string `mapstructure:"identity"`
	Tier     string `mapstructure:"tier"`
}

// Load reads configuration from the given path (or defaults) with
// environment variable overrides (prefix WARDEN_).
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("networking.listen", "127.0.0.1:18790")
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("snapshot.interval", "5s")
	v.SetDefault("snapshot.staleness", "15s")
	v.SetDefault("snapshot.wait_timeout", "2s")
	v.SetDefault("snapshot.audit_window", "720h")
	v.SetDefault("scoring.thresholds.warning", 0.05)
	v.SetDefault("scoring.thresholds.critical", 0.10)
	v.SetDefault("scoring.escalation.warning_count", 5)
	v.SetDefault("scoring.escalation.window", "168h")
	v.SetDefault("mode.critical_count", 3)
	v.SetDefault("mode.critical_window", "1h")
	v.SetDefault("governor.per_minute_calls", 60)
	v.SetDefault("governor.task_call_quota", 100)
	v.SetDefault("governor.task_budget_usd", 0.50)
	v.SetDefault("governor.agent_day_budget_usd", 25.00)
	v.SetDefault("governor.global_day_budget_usd", 250.00)
	v.SetDefault("governor.task_step_ceiling", 50)
	v.SetDefault("governor.degrade_window", 15*time.Minute)
	v.SetDefault("facts.domain_regime", "normal")
	v.SetDefault("facts.active_policy_id", "baseline")

	// Environment
	v.SetEnvPrefix("WARDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// File
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, wardenerr.Errorf(wardenerr.CodeConfigLoadReadFailure, "reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, wardenerr.Errorf(wardenerr.CodeConfigParseInvalidFormat, "unmarshalling config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue, "validating config: %w", errors.Join(errs...))
	}

	return &cfg, nil
}

// Validate checks the configuration for logical errors. It returns all
// validation errors found, not just the first.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateNetworking()...)
	errs = append(errs, c.validateStorage()...)
	errs = append(errs, c.validateSnapshot()...)
	errs = append(errs, c.validateScoring()...)
	errs = append(errs, c.validateGovernor()...)
	errs = append(errs, c.validateFacts()...)
	errs = append(errs, c.validateAuth()...)

	return errs
}

func (c *Config) validateNetworking() []error {
	var errs []error

	if c.Networking.Listen == "" {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue, "config: networking.listen must not be empty"))
		return errs
	}

	_, portStr, err := net.SplitHostPort(c.Networking.Listen)
	if err != nil {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue,
			"config: networking.listen must be a valid host:port address, got %q: %w",
			c.Networking.Listen, err,
		))
		return errs
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue,
			"config: networking.listen port must be a number, got %q", portStr))
	} else if port < 1 || port > 65535 {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue,
			"config: networking.listen port must be between 1 and 65535, got %d", port))
	}

	return errs
}

func (c *Config) validateStorage() []error {
	var errs []error

	validBackends := map[string]bool{"sqlite": true}
	if !validBackends[c.Storage.Backend] {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue,
			"config: storage.backend must be one of [sqlite], got %q", c.Storage.Backend))
	}

	return errs
}

func (c *Config) validateSnapshot() []error {
	var errs []error

	if c.Snapshot.Interval <= 0 {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue,
			"config: snapshot.interval must be positive, got %s", c.Snapshot.Interval))
	}
	if c.Snapshot.Staleness < c.Snapshot.Interval {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue,
			"config: snapshot.staleness %s must not be shorter than snapshot.interval %s",
			c.Snapshot.Staleness, c.Snapshot.Interval))
	}

	return errs
}

func (c *Config) validateScoring() []error {
	var errs []error

	if c.Scoring.Thresholds.Warning <= 0 || c.Scoring.Thresholds.Warning >= 1 {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue,
			"config: scoring.thresholds.warning must be within (0, 1), got %g", c.Scoring.Thresholds.Warning))
	}
	if c.Scoring.Thresholds.Critical <= c.Scoring.Thresholds.Warning {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue,
			"config: scoring.thresholds.critical %g must be above scoring.thresholds.warning %g",
			c.Scoring.Thresholds.Critical, c.Scoring.Thresholds.Warning))
	}
	if c.Scoring.Escalation.WarningCount <= 0 {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue,
			"config: scoring.escalation.warning_count must be greater than 0, got %d",
			c.Scoring.Escalation.WarningCount))
	}
	if c.Scoring.Escalation.Window <= 0 {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue,
			"config: scoring.escalation.window must be positive, got %s", c.Scoring.Escalation.Window))
	}

	return errs
}

func (c *Config) validateGovernor() []error {
	var errs []error

	positives := map[string]float64{
		"governor.task_budget_usd":       c.Governor.TaskBudgetUSD,
		"governor.agent_day_budget_usd":  c.Governor.AgentDayBudgetUSD,
		"governor.global_day_budget_usd": c.Governor.GlobalDayBudgetUSD,
	}
	for key, value := range positives {
		if value <= 0 {
			errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue,
				"config: %s must be greater than 0, got %g", key, value))
		}
	}

	counts := map[string]int{
		"governor.per_minute_calls":  c.Governor.PerMinuteCalls,
		"governor.task_call_quota":   c.Governor.TaskCallQuota,
		"governor.task_step_ceiling": c.Governor.TaskStepCeiling,
	}
	for key, value := range counts {
		if value <= 0 {
			errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue,
				"config: %s must be greater than 0, got %d", key, value))
		}
	}

	return errs
}

func (c *Config) validateFacts() []error {
	var errs []error

	if c.Facts.DomainRegime == "" {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue,
			"config: facts.domain_regime must not be empty"))
	}
	if c.Facts.ActivePolicyID == "" {
		errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue,
			"config: facts.active_policy_id must not be empty"))
	}

	return errs
}

func (c *Config) validateAuth() []error {
	var errs []error

	for token, tc := range c.Auth {
		if tc.Identity == "" {
			errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue,
				"config: auth token %q must name an identity", redactToken(token)))
		}
		if _, ok := store.ParseAuthorityTier(tc.Tier); !ok {
			errs = append(errs, wardenerr.Errorf(wardenerr.CodeConfigValidateInvalidValue,
				"config: auth token for %q has unknown tier %q", tc.Identity, tc.Tier))
		}
	}

	return errs
}

// redactToken keeps enough of a token to identify it in an error without
// leaking it.
func redactToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}
