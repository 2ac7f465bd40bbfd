package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "file", cfg.Store.Driver)
	assert.Equal(t, ".buildforge", cfg.Store.Dir)
	assert.Equal(t, 60, cfg.RateLimit.DefaultWindowSecs)
	assert.Equal(t, 45, cfg.Executor.TimeoutSecs)
	assert.Equal(t, 1, cfg.Executor.MaxFailovers)
	assert.Equal(t, 3, cfg.Executor.Retry.MaxAttempts)
	assert.Equal(t, 500, cfg.Executor.Retry.InitialBackoffMs)
	assert.InDelta(t, 2.0, cfg.Executor.Retry.Multiplier, 0.001)
	assert.Equal(t, 3, cfg.Verify.MaxAttempts)
	assert.InDelta(t, 0.8, cfg.Verify.Threshold, 0.001)
	assert.Equal(t, 3, cfg.Verify.Samples)
	assert.True(t, cfg.Verify.AdjudicateUnanimous)
	assert.Equal(t, 4, cfg.Orchestrator.MaxConcurrentJobs)
	assert.Equal(t, "log", cfg.Sink.Kind)

	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "anthropic", cfg.Providers[0].ID)
	assert.Equal(t, "anthropic", cfg.Providers[0].Kind)
	assert.Equal(t, 8192, cfg.Providers[0].MaxTokens)
	assert.Equal(t, "openai", cfg.Providers[1].ID)
	assert.Equal(t, 1, cfg.Providers[1].Priority)

	require.Len(t, cfg.Verify.Reviewers, 2)
	assert.Equal(t, "correctness", cfg.Verify.Reviewers[0].Persona)
	assert.Equal(t, "spec", cfg.Verify.Reviewers[1].Persona)

	assert.NoError(t, cfg.Validate("serve"))
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
  format: console
server:
  port: 9090
providers:
  - id: claude
    kind: anthropic
    model: claude-haiku-4-5
    priority: 0
  - id: groq
    kind: openai
    base_url: https://api.groq.com/openai/v1
    model: llama-3.3-70b-versatile
    priority: 1
    requests_per_minute: 30
selector:
  profiles:
    default: [claude, groq]
    review: [groq]
verify:
  max_attempts: 5
  reviewers:
    - id: sec
      persona: security
      task: review
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "groq", cfg.Providers[1].ID)
	assert.Equal(t, "https://api.groq.com/openai/v1", cfg.Providers[1].BaseURL)
	assert.Equal(t, 30, cfg.Providers[1].RequestsPerMinute)
	assert.Equal(t, []string{"groq"}, cfg.Selector.Profiles["review"])
	assert.Equal(t, 5, cfg.Verify.MaxAttempts)
	require.Len(t, cfg.Verify.Reviewers, 1)
	assert.Equal(t, "review", cfg.Verify.Reviewers[0].Task)
	// Defaults still apply for unset values
	assert.Equal(t, 45, cfg.Executor.TimeoutSecs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("BUILDFORGE_STORE_DRIVER", "postgres")
	t.Setenv("BUILDFORGE_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("BUILDFORGE_SERVER_PORT", "3000")
	t.Setenv("BUILDFORGE_VERIFY_MAX_ATTEMPTS", "2")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Verify.MaxAttempts)
}

func TestLoadProviderKeysFromEnv(t *testing.T) {
	chdirTemp(t)

	t.Setenv("BUILDFORGE_ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("BUILDFORGE_OPENAI_BASE_URL", "http://localhost:11434/v1")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-test", cfg.Providers[0].APIKey)
	assert.Empty(t, cfg.Providers[1].APIKey)
	assert.Equal(t, "http://localhost:11434/v1", cfg.Providers[1].BaseURL)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Server.Port = 8080
	cfg.Store.Driver = "memory"
	cfg.Providers = []ProviderConfig{{ID: "anthropic", Kind: "anthropic"}}
	cfg.Executor.TimeoutSecs = 45
	cfg.Verify.MaxAttempts = 3
	cfg.Verify.Threshold = 0.8
	cfg.Verify.Samples = 3
	cfg.Verify.Reviewers = []ReviewerConfig{{ID: "correctness", Persona: "correctness"}}
	cfg.Orchestrator.MaxConcurrentJobs = 4
	return cfg
}

func TestValidate_Valid(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("serve"))
	assert.NoError(t, cfg.Validate("build"))
	assert.NoError(t, cfg.Validate("providers"))
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"
	cfg.Providers = append(cfg.Providers,
		ProviderConfig{ID: "anthropic", Kind: "anthropic"},
		ProviderConfig{ID: "x", Kind: "gemini"},
	)
	cfg.Verify.Threshold = 1.5

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), `providers[1].id "anthropic" is duplicated`)
	assert.Contains(t, err.Error(), `providers[2].kind "gemini"`)
	assert.Contains(t, err.Error(), "verify.threshold must be between 0 and 1")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")

	assert.NoError(t, cfg.Validate("build"))
}

func TestValidateConcurrencyBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Orchestrator.MaxConcurrentJobs = 0
	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_jobs must be between 1 and 64")

	cfg.Orchestrator.MaxConcurrentJobs = 65
	assert.Error(t, cfg.Validate("serve"))

	cfg.Orchestrator.MaxConcurrentJobs = 64
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateSink(t *testing.T) {
	cfg := validDefaults()

	cfg.Sink.Kind = "webhook"
	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "sink.webhook_url is required")

	cfg.Sink.WebhookURL = "https://example.com/hook"
	assert.NoError(t, cfg.Validate("serve"))

	cfg.Sink.Kind = "s3"
	assert.Error(t, cfg.Validate("serve"))
}

func TestValidateProvidersModeSkipsRuntimeChecks(t *testing.T) {
	cfg := validDefaults()
	cfg.Verify.MaxAttempts = 0
	cfg.Server.Port = 0

	assert.NoError(t, cfg.Validate("providers"))

	cfg.Providers = nil
	err := cfg.Validate("providers")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "at least one provider is required")
}
