// Package config loads the operator configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/fentz26/cascade/internal/controlplane"
	"github.com/fentz26/cascade/internal/llm"
	"github.com/fentz26/cascade/internal/policy"
	"github.com/fentz26/cascade/internal/runner"
	"github.com/fentz26/cascade/internal/scheduler"
	"github.com/fentz26/cascade/internal/tasktree"
	"github.com/fentz26/cascade/internal/telemetry"
	"github.com/fentz26/cascade/internal/workspace"
)

const (
	// DirName is the per-user directory under the home directory.
	DirName = ".cascade"
	// FileName is the config file inside DirName.
	FileName = "config.yaml"
	// DefaultModel is used when neither the file nor the environment name one.
	DefaultModel = "gpt-4o-mini"
)

// Environment variables read on load. They take precedence over the file.
const (
	EnvAPIKey       = "CASCADE_API_KEY"
	EnvOpenAIAPIKey = "OPENAI_API_KEY"
	EnvBaseURL      = "CASCADE_BASE_URL"
	EnvModel        = "CASCADE_MODEL"
)

// Config is the full operator configuration.
type Config struct {
	LLM       llm.Config        `yaml:"llm"`
	Budget    tasktree.Budget   `yaml:"budget"`
	Scheduler scheduler.Config  `yaml:"scheduler"`
	Limits    Limits            `yaml:"limits"`
	Tolerance policy.Tolerance  `yaml:"tolerance"`
	Workspace workspace.Options `yaml:"workspace"`
	Telemetry telemetry.Config  `yaml:"telemetry"`
	// Store is the sqlite journal path. Empty disables the journal.
	Store    string `yaml:"store"`
	LogLevel string `yaml:"log_level"`
}

// Limits are the per-assignment caps.
type Limits struct {
	MaxRequests       int `yaml:"max_requests"`
	MaxExecutions     int `yaml:"max_executions"`
	MaxRepairAttempts int `yaml:"max_repair_attempts"`
}

// Dir returns ~/.cascade, or DirName when the home directory is unknown.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DirName
	}
	return filepath.Join(home, DirName)
}

// Path returns the default config file location.
func Path() string {
	return filepath.Join(Dir(), FileName)
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		LLM: llm.Config{
			BaseURL: llm.DefaultBaseURL,
			Model:   DefaultModel,
			Timeout: 2 * time.Minute,
		},
		Budget:    tasktree.DefaultBudget(),
		Scheduler: *scheduler.DefaultConfig(),
		Limits: Limits{
			MaxRequests:       controlplane.DefaultMaxRequests,
			MaxExecutions:     controlplane.DefaultMaxExecutions,
			MaxRepairAttempts: tasktree.DefaultMaxRepairAttempts,
		},
		Tolerance: policy.ToleranceLowOnly,
		Workspace: workspace.DefaultOptions(),
		Telemetry: telemetry.Config{
			Exporter:    telemetry.ExporterStdout,
			ServiceName: telemetry.DefaultServiceName,
			SampleRate:  1,
		},
		Store:    filepath.Join(Dir(), "cascade.db"),
		LogLevel: "info",
	}
}

// Load reads configuration from a YAML file over the defaults. A missing file
// yields the defaults. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFromHome loads ~/.cascade/config.yaml.
func LoadFromHome() (*Config, error) {
	return Load(Path())
}

// Save writes the configuration, creating parent directories. The API key
// is never written.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvOpenAIAPIKey); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv(EnvBaseURL); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv(EnvModel); v != "" {
		c.LLM.Model = v
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Budget.BaseRetention < 0 || c.Budget.BaseRetention > 1 {
		return fmt.Errorf("budget.base_retention must be within [0, 1], got %g", c.Budget.BaseRetention)
	}
	if c.Budget.DepthIncrement <= 0 {
		return fmt.Errorf("budget.depth_increment must be positive, got %g", c.Budget.DepthIncrement)
	}
	if c.Limits.MaxRequests < 1 {
		return fmt.Errorf("limits.max_requests must be at least 1")
	}
	if c.Limits.MaxExecutions < 1 {
		return fmt.Errorf("limits.max_executions must be at least 1")
	}
	if c.Limits.MaxRepairAttempts < 1 {
		return fmt.Errorf("limits.max_repair_attempts must be at least 1")
	}
	if c.Scheduler.PauseInterval < 0 {
		return fmt.Errorf("scheduler values cannot be negative")
	}
	if c.Tolerance < policy.ToleranceNone || c.Tolerance > policy.ToleranceAllowAll {
		return fmt.Errorf("invalid tolerance %d", int(c.Tolerance))
	}
	if c.LLM.Timeout < 0 {
		return fmt.Errorf("llm.timeout cannot be negative")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}

// RunnerConfig returns the subset a Runner needs.
func (c *Config) RunnerConfig() runner.Config {
	sched := c.Scheduler
	return runner.Config{
		Scheduler:         &sched,
		Budget:            c.Budget,
		MaxRequests:       c.Limits.MaxRequests,
		MaxExecutions:     c.Limits.MaxExecutions,
		MaxRepairAttempts: c.Limits.MaxRepairAttempts,
		Tolerance:         c.Tolerance,
		Workspace:         c.Workspace,
	}
}
