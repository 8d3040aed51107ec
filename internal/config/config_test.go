package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/cascade/internal/policy"
	"github.com/fentz26/cascade/internal/telemetry"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvAPIKey, EnvOpenAIAPIKey, EnvBaseURL, EnvModel} {
		t.Setenv(k, "")
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadOverridesOnlyGivenKeys(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
llm:
  model: local-model
  timeout: 30s
tolerance: up-to-medium
limits:
  max_requests: 10
scheduler:
  pause_interval: 50ms
workspace:
  ignore_globs: ["**/*.generated.go"]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, "local-model", cfg.LLM.Model)
	assert.Equal(t, 30*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, def.LLM.BaseURL, cfg.LLM.BaseURL)
	assert.Equal(t, policy.ToleranceUpToMedium, cfg.Tolerance)
	assert.Equal(t, 10, cfg.Limits.MaxRequests)
	assert.Equal(t, def.Limits.MaxExecutions, cfg.Limits.MaxExecutions)
	assert.Equal(t, 50*time.Millisecond, cfg.Scheduler.PauseInterval)
	assert.Equal(t, []string{"**/*.generated.go"}, cfg.Workspace.IgnoreGlobs)
	assert.Equal(t, def.Workspace.IgnoreDirs, cfg.Workspace.IgnoreDirs)
}

func TestLoadRejectsInvalidFiles(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name string
		data string
	}{
		{"not yaml", "llm: [unterminated"},
		{"unknown tolerance", "tolerance: reckless"},
		{"zero requests", "limits:\n  max_requests: 0"},
		{"bad level", "log_level: loud"},
		{"bad exporter", "telemetry:\n  exporter: zipkin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.data), 0o600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadAppliesEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvOpenAIAPIKey, "sk-openai")
	t.Setenv(EnvModel, "env-model")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sk-openai", cfg.LLM.APIKey)
	assert.Equal(t, "env-model", cfg.LLM.Model)

	t.Setenv(EnvAPIKey, "sk-cascade")
	t.Setenv(EnvBaseURL, "http://localhost:11434/v1")
	cfg, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sk-cascade", cfg.LLM.APIKey)
	assert.Equal(t, "http://localhost:11434/v1", cfg.LLM.BaseURL)
}

func TestLoadFromHome(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	t.Setenv("HOME", home)

	path := filepath.Join(home, DirName, FileName)
	assert.Equal(t, path, Path())
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o600))

	cfg, err := LoadFromHome()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, filepath.Join(home, DirName, "cascade.db"), cfg.Store)
}

func TestSaveRoundTripOmitsAPIKey(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.LLM.APIKey = "sk-secret"
	cfg.Tolerance = policy.ToleranceAllowAll
	cfg.Telemetry = telemetry.Config{Enabled: true, Exporter: telemetry.ExporterNone, SampleRate: 0.25}
	require.NoError(t, Save(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sk-secret")
	assert.Contains(t, string(raw), "allow-all")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "", loaded.LLM.APIKey)
	assert.Equal(t, policy.ToleranceAllowAll, loaded.Tolerance)
	assert.Equal(t, cfg.Telemetry, loaded.Telemetry)
	assert.Equal(t, cfg.LLM.Timeout, loaded.LLM.Timeout)
}

func TestSaveRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	assert.Error(t, Save(path, nil))

	cfg := DefaultConfig()
	cfg.Budget.DepthIncrement = 0
	assert.Error(t, Save(path, cfg))
	assert.NoFileExists(t, path)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"retention above one", func(c *Config) { c.Budget.BaseRetention = 1.2 }, true},
		{"negative increment", func(c *Config) { c.Budget.DepthIncrement = -0.1 }, true},
		{"no executions", func(c *Config) { c.Limits.MaxExecutions = 0 }, true},
		{"no repairs", func(c *Config) { c.Limits.MaxRepairAttempts = 0 }, true},
		{"negative pause interval", func(c *Config) { c.Scheduler.PauseInterval = -time.Second }, true},
		{"tolerance out of range", func(c *Config) { c.Tolerance = policy.Tolerance(9) }, true},
		{"negative timeout", func(c *Config) { c.LLM.Timeout = -time.Second }, true},
		{"empty level means info", func(c *Config) { c.LogLevel = "" }, false},
		{"telemetry rate", func(c *Config) { c.Telemetry.SampleRate = 2 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRunnerConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limits.MaxRepairAttempts = 4
	cfg.Scheduler.PauseInterval = 7 * time.Second

	rc := cfg.RunnerConfig()
	assert.Equal(t, cfg.Budget, rc.Budget)
	assert.Equal(t, cfg.Limits.MaxRequests, rc.MaxRequests)
	assert.Equal(t, cfg.Limits.MaxExecutions, rc.MaxExecutions)
	assert.Equal(t, 4, rc.MaxRepairAttempts)
	assert.Equal(t, cfg.Tolerance, rc.Tolerance)
	require.NotNil(t, rc.Scheduler)
	assert.Equal(t, 7*time.Second, rc.Scheduler.PauseInterval)

	rc.Scheduler.PauseInterval = time.Second
	assert.Equal(t, 7*time.Second, cfg.Scheduler.PauseInterval)
}
