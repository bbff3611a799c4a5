// Package config provides YAML-based configuration loading for Signalbox.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Signalbox configuration, loaded from config.yaml.
type Config struct {
	Owner        string           `yaml:"owner"`
	Repo         string           `yaml:"repo"`
	TargetBranch string           `yaml:"target_branch"`
	Store        StoreConfig      `yaml:"store"`
	Pool         PoolConfig       `yaml:"pool"`
	Workers      WorkersConfig    `yaml:"workers"`
	Escalation   EscalationConfig `yaml:"escalation"`
	CI           CIConfig         `yaml:"ci"`
	Notify       NotifyConfig     `yaml:"notify"`

	// SweepSchedule is a 5-field cron expression controlling how often the
	// engine runs its recovery and validation sweep.
	SweepSchedule string `yaml:"sweep_schedule"`
}

// StoreConfig selects and configures the state store backend.
type StoreConfig struct {
	Backend  string `yaml:"backend"` // "sqlite" or "mysql"
	Path     string `yaml:"path"`    // sqlite file
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
}

// PoolConfig bounds engine concurrency.
type PoolConfig struct {
	MaxParallelGroups int `yaml:"max_parallel_groups"`
}

// WorkersConfig holds the command templates used to dispatch each worker
// stage. The request is written to the command's stdin as JSON and the
// structured response is read from stdout. The command text is configuration
// data, not control flow.
type WorkersConfig struct {
	Implement string   `yaml:"implement"`
	Verify    string   `yaml:"verify"`
	Review    string   `yaml:"review"`
	Merge     string   `yaml:"merge"`
	Validate  string   `yaml:"validate"`
	Timeout   Duration `yaml:"timeout"`

	// TokenBudget caps the context bundle handed to a worker.
	TokenBudget int `yaml:"token_budget"`
}

// EscalationConfig tunes the escalation policy thresholds.
type EscalationConfig struct {
	MaxTier          int `yaml:"max_tier"`
	StagnationLimit  int `yaml:"stagnation_limit"`
	VerifyRetryLimit int `yaml:"verify_retry_limit"`
}

// CIConfig configures post-merge external status polling via GitHub.
type CIConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Owner        string   `yaml:"owner"`
	Repo         string   `yaml:"repo"`
	Token        string   `yaml:"token"`
	PollInterval Duration `yaml:"poll_interval"`
	MaxPolls     int      `yaml:"max_polls"`
}

// NotifyConfig configures human-escalation delivery channels. Both are
// optional; notices are always persisted regardless.
type NotifyConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack delivery settings.
type SlackConfig struct {
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

// DiscordConfig holds Discord delivery settings.
type DiscordConfig struct {
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.TargetBranch == "" {
		c.TargetBranch = "main"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "sqlite"
	}
	if c.Store.Backend == "sqlite" && c.Store.Path == "" {
		c.Store.Path = "signalbox.db"
	}
	if c.Store.Host == "" {
		c.Store.Host = "127.0.0.1"
	}
	if c.Store.Port == 0 {
		c.Store.Port = 3306
	}
	if c.Store.Database == "" && c.Owner != "" {
		c.Store.Database = "signalbox_" + c.Owner
	}
	if c.Pool.MaxParallelGroups <= 0 {
		c.Pool.MaxParallelGroups = 3
	}
	if c.Workers.Timeout <= 0 {
		c.Workers.Timeout = Duration(15 * time.Minute)
	}
	if c.Workers.TokenBudget <= 0 {
		c.Workers.TokenBudget = 16000
	}
	if c.Escalation.MaxTier <= 0 {
		c.Escalation.MaxTier = 3
	}
	if c.Escalation.StagnationLimit <= 0 {
		c.Escalation.StagnationLimit = 2
	}
	if c.Escalation.VerifyRetryLimit <= 0 {
		c.Escalation.VerifyRetryLimit = 3
	}
	if c.CI.PollInterval <= 0 {
		c.CI.PollInterval = Duration(30 * time.Second)
	}
	if c.CI.MaxPolls <= 0 {
		c.CI.MaxPolls = 20
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = "* * * * *"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Owner == "" {
		errs = append(errs, "owner is required")
	}
	if c.Repo == "" {
		errs = append(errs, "repo is required")
	}
	switch c.Store.Backend {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("store.backend %q must be sqlite or mysql", c.Store.Backend))
	}
	if c.Workers.Implement == "" {
		errs = append(errs, "workers.implement command is required")
	}
	if c.Workers.Verify == "" {
		errs = append(errs, "workers.verify command is required")
	}
	if c.Workers.Review == "" {
		errs = append(errs, "workers.review command is required")
	}
	if c.Workers.Merge == "" {
		errs = append(errs, "workers.merge command is required")
	}
	if c.Workers.Validate == "" {
		errs = append(errs, "workers.validate command is required")
	}
	if c.CI.Enabled {
		if c.CI.Owner == "" || c.CI.Repo == "" {
			errs = append(errs, "ci.owner and ci.repo are required when ci.enabled")
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
