// Package config loads orchestrator configuration from the project-local
// .foreman directory, with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DataDirName is the project-local directory holding config, database and logs.
const DataDirName = ".foreman"

// LoopLimits bounds the pipeline's revision loops and overall agent usage.
type LoopLimits struct {
	// ReviewToCoder is the maximum number of review→fix iterations per
	// requirement. Exhaustion is logged and the pipeline proceeds to testing.
	ReviewToCoder int `yaml:"review_to_coder"`

	// TestToCoder is the maximum number of test→fix iterations per
	// requirement. Exhaustion fails the run.
	TestToCoder int `yaml:"test_to_coder"`

	// MaxAgentCalls is the total agent invocation ceiling per requirement run.
	MaxAgentCalls int `yaml:"max_agent_calls"`
}

// RetryConfig controls per-invocation retries inside runAgent.
type RetryConfig struct {
	MaxRetries     int     `yaml:"max_retries"`
	InitialDelayMS int     `yaml:"initial_delay_ms"`
	MaxDelayMS     int     `yaml:"max_delay_ms"`
	Multiplier     float64 `yaml:"multiplier"`
}

// InitialDelay returns the first backoff delay.
func (r RetryConfig) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelayMS) * time.Millisecond
}

// MaxDelay returns the backoff cap.
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

// AgentConfig describes how the external agent process is launched.
type AgentConfig struct {
	// Command is the agent executable. Args are prepended before the
	// per-task payload flag.
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	TimeoutSeconds int      `yaml:"timeout_seconds"` // 0 = no timeout
}

// RetentionConfig controls the background sweeper.
type RetentionConfig struct {
	// CronExpr is a standard 5-field cron expression. Empty disables the sweeper.
	CronExpr string `yaml:"cron_expr"`

	// KeepCheckpoints is the number of most recent checkpoints preserved per
	// session regardless of age.
	KeepCheckpoints int `yaml:"keep_checkpoints"`

	// MaxCheckpointAgeHours prunes checkpoints older than this, beyond the
	// keep count. 0 disables age-based pruning.
	MaxCheckpointAgeHours int `yaml:"max_checkpoint_age_hours"`
}

// OTelConfig mirrors the telemetry provider settings.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the root configuration for one project.
type Config struct {
	ProjectDir string `yaml:"-"`

	// TechStack is passed verbatim into agent task inputs.
	TechStack []string `yaml:"tech_stack"`

	// Concurrency bounds simultaneously running jobs. Degrades to 1 when the
	// working tree does not support worktree isolation.
	Concurrency int `yaml:"concurrency"`

	LogLevel string `yaml:"log_level"`

	Agent     AgentConfig     `yaml:"agent"`
	Limits    LoopLimits      `yaml:"limits"`
	Retry     RetryConfig     `yaml:"retry"`
	Retention RetentionConfig `yaml:"retention"`
	OTel      OTelConfig      `yaml:"otel"`
}

// Default returns the built-in configuration for a project directory.
func Default(projectDir string) Config {
	return Config{
		ProjectDir:  projectDir,
		Concurrency: 2,
		LogLevel:    "info",
		Agent: AgentConfig{
			Command: "agent",
		},
		Limits: LoopLimits{
			ReviewToCoder: 3,
			TestToCoder:   3,
			MaxAgentCalls: 50,
		},
		Retry: RetryConfig{
			MaxRetries:     3,
			InitialDelayMS: 1000,
			MaxDelayMS:     30000,
			Multiplier:     2.0,
		},
		Retention: RetentionConfig{
			CronExpr:              "0 * * * *",
			KeepCheckpoints:       20,
			MaxCheckpointAgeHours: 24 * 7,
		},
	}
}

// DataDir returns the project-local data directory.
func (c Config) DataDir() string {
	return filepath.Join(c.ProjectDir, DataDirName)
}

// DBPath returns the sqlite database path; one database per project.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir(), "orchestrator.db")
}

// ConfigPath returns the config file path for a project directory.
func ConfigPath(projectDir string) string {
	return filepath.Join(projectDir, DataDirName, "config.yaml")
}

// Load reads config.yaml from the project's data directory, applying defaults
// for absent fields and environment overrides on top. A missing file is not
// an error: defaults apply.
func Load(projectDir string) (Config, error) {
	cfg := Default(projectDir)

	data, err := os.ReadFile(ConfigPath(projectDir))
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config.yaml: %w", err)
		}
		cfg.ProjectDir = projectDir
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config.yaml: %w", err)
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes the config back to config.yaml, creating the data directory.
func Save(cfg Config) error {
	if err := os.MkdirAll(cfg.DataDir(), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(ConfigPath(cfg.ProjectDir), data, 0o644)
}

// Validate rejects configurations the scheduler and pipeline cannot honor.
func (c Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.Limits.ReviewToCoder < 1 || c.Limits.TestToCoder < 1 {
		return fmt.Errorf("loop limits must be >= 1")
	}
	if c.Limits.MaxAgentCalls < 1 {
		return fmt.Errorf("max_agent_calls must be >= 1, got %d", c.Limits.MaxAgentCalls)
	}
	if c.Retry.MaxRetries < 1 {
		return fmt.Errorf("retry max_retries must be >= 1, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be >= 1, got %g", c.Retry.Multiplier)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FOREMAN_AGENT_CMD"); v != "" {
		cfg.Agent.Command = v
	}
	if v := os.Getenv("FOREMAN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FOREMAN_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Concurrency = n
		}
	}
}
