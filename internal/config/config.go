// Package config manages julesched configuration with support for config
// files, environment variables, and sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure.
type Config struct {
	Repo      RepoConfig      `mapstructure:"repo"`
	Branches  BranchConfig    `mapstructure:"branches"`
	Paths     PathConfig      `mapstructure:"paths"`
	Gate      GateConfig      `mapstructure:"gate"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// RepoConfig identifies the repository the scheduler operates on. Owner and
// Name may be left empty, in which case they are derived from the git remote.
type RepoConfig struct {
	Owner  string `mapstructure:"owner"`
	Name   string `mapstructure:"name"`
	Remote string `mapstructure:"remote"`
}

// BranchConfig controls branch naming.
type BranchConfig struct {
	// Trunk is the long-lived default branch.
	Trunk string `mapstructure:"trunk"`
	// Integration is the shared integration branch personas merge into.
	Integration string `mapstructure:"integration"`
	// BackupPrefix is the prefix for timestamped rotation backups.
	BackupPrefix string `mapstructure:"backup_prefix"`
}

// PathConfig locates on-disk artifacts.
type PathConfig struct {
	// StateFile is the cycle-state JSON file, relative to the repo root.
	StateFile string `mapstructure:"state_file"`
	// Catalog is the persona catalog YAML file.
	Catalog string `mapstructure:"catalog"`
	// ReconcileDir holds per-cycle reconciliation markers.
	ReconcileDir string `mapstructure:"reconcile_dir"`
}

// GateConfig controls PR gating and merge retry behavior.
type GateConfig struct {
	// MergeAttempts is the maximum number of merge attempts per tick.
	MergeAttempts int `mapstructure:"merge_attempts"`
	// RetryBaseDelay is the initial backoff delay between merge attempts.
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	// RetryMaxDelay caps the backoff delay.
	RetryMaxDelay time.Duration `mapstructure:"retry_max_delay"`
}

// AgentConfig controls the remote agent-session API client.
type AgentConfig struct {
	// BaseURL is the session API endpoint.
	BaseURL string `mapstructure:"base_url"`
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `mapstructure:"api_key_env"`
	// Timeout bounds individual API calls.
	Timeout time.Duration `mapstructure:"timeout"`
	// StuckWindow is how long a session may sit without an observable
	// outcome before stuck handling kicks in.
	StuckWindow time.Duration `mapstructure:"stuck_window"`
}

// ReconcileConfig controls drift reconciliation.
type ReconcileConfig struct {
	// MaxDiffChars truncates the diff embedded in reconciliation prompts.
	MaxDiffChars int `mapstructure:"max_diff_chars"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Repo: RepoConfig{
			Remote: "origin",
		},
		Branches: BranchConfig{
			Trunk:         "main",
			Integration:   "jules",
			BackupPrefix:  "jules-backup",
		},
		Paths: PathConfig{
			StateFile:    ".jules/cycle_state.json",
			Catalog:      ".jules/personas.yaml",
			ReconcileDir: ".jules/reconciliations",
		},
		Gate: GateConfig{
			MergeAttempts:  3,
			RetryBaseDelay: 2 * time.Second,
			RetryMaxDelay:  30 * time.Second,
		},
		Agent: AgentConfig{
			BaseURL:     "https://jules.googleapis.com/v1alpha",
			APIKeyEnv:   "JULES_API_KEY",
			Timeout:     30 * time.Second,
			StuckWindow: 30 * time.Minute,
		},
		Reconcile: ReconcileConfig{
			MaxDiffChars: 50000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// SetDefaults registers default values with viper.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("repo.remote", d.Repo.Remote)

	v.SetDefault("branches.trunk", d.Branches.Trunk)
	v.SetDefault("branches.integration", d.Branches.Integration)
	v.SetDefault("branches.backup_prefix", d.Branches.BackupPrefix)

	v.SetDefault("paths.state_file", d.Paths.StateFile)
	v.SetDefault("paths.catalog", d.Paths.Catalog)
	v.SetDefault("paths.reconcile_dir", d.Paths.ReconcileDir)

	v.SetDefault("gate.merge_attempts", d.Gate.MergeAttempts)
	v.SetDefault("gate.retry_base_delay", d.Gate.RetryBaseDelay)
	v.SetDefault("gate.retry_max_delay", d.Gate.RetryMaxDelay)

	v.SetDefault("agent.base_url", d.Agent.BaseURL)
	v.SetDefault("agent.api_key_env", d.Agent.APIKeyEnv)
	v.SetDefault("agent.timeout", d.Agent.Timeout)
	v.SetDefault("agent.stuck_window", d.Agent.StuckWindow)

	v.SetDefault("reconcile.max_diff_chars", d.Reconcile.MaxDiffChars)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Load reads configuration from viper into a Config struct.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Branches.Trunk == "" {
		return fmt.Errorf("branches.trunk must not be empty")
	}
	if c.Branches.Integration == "" {
		return fmt.Errorf("branches.integration must not be empty")
	}
	if c.Branches.Integration == c.Branches.Trunk {
		return fmt.Errorf("branches.integration must differ from branches.trunk")
	}
	if c.Gate.MergeAttempts < 1 {
		return fmt.Errorf("gate.merge_attempts must be at least 1")
	}
	if c.Reconcile.MaxDiffChars < 1 {
		return fmt.Errorf("reconcile.max_diff_chars must be positive")
	}
	return nil
}

// ConfigDir returns the directory for julesched configuration files,
// honoring XDG_CONFIG_HOME.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "julesched"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "julesched"), nil
}
