package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Providers    []ProviderConfig   `yaml:"providers" mapstructure:"providers"`
	Selector     SelectorConfig     `yaml:"selector" mapstructure:"selector"`
	RateLimit    RateLimitConfig    `yaml:"ratelimit" mapstructure:"ratelimit"`
	Executor     ExecutorConfig     `yaml:"executor" mapstructure:"executor"`
	Verify       VerifyConfig       `yaml:"verify" mapstructure:"verify"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Sink         SinkConfig         `yaml:"sink" mapstructure:"sink"`
	Pricing      PricingConfig      `yaml:"pricing" mapstructure:"pricing"`
	Monitoring   MonitoringConfig   `yaml:"monitoring" mapstructure:"monitoring"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// StoreConfig configures persistence. Driver is memory, file, sqlite or
// postgres. The file driver persists rate limits only.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Dir         string `yaml:"dir" mapstructure:"dir"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ProviderConfig configures one generation backend. Kind is anthropic or
// openai; the openai kind covers any OpenAI-compatible endpoint via BaseURL.
type ProviderConfig struct {
	ID                string `yaml:"id" mapstructure:"id"`
	Kind              string `yaml:"kind" mapstructure:"kind"`
	APIKey            string `yaml:"api_key" mapstructure:"api_key"`
	BaseURL           string `yaml:"base_url" mapstructure:"base_url"`
	Model             string `yaml:"model" mapstructure:"model"`
	Priority          int    `yaml:"priority" mapstructure:"priority"`
	RequestsPerMinute int    `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxTokens         int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// SelectorConfig holds task preference lists. ProfilesFile, when set, is
// merged over Profiles.
type SelectorConfig struct {
	Profiles     map[string][]string `yaml:"profiles" mapstructure:"profiles"`
	ProfilesFile string              `yaml:"profiles_file" mapstructure:"profiles_file"`
}

// RateLimitConfig configures provider penalties.
type RateLimitConfig struct {
	DefaultWindowSecs int `yaml:"default_window_secs" mapstructure:"default_window_secs"`
}

// ExecutorConfig configures provider calls.
type ExecutorConfig struct {
	TimeoutSecs  int         `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxFailovers int         `yaml:"max_failovers" mapstructure:"max_failovers"`
	Retry        RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// RetryConfig configures same-provider retry with backoff.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// ReviewerConfig configures one reviewer.
type ReviewerConfig struct {
	ID      string `yaml:"id" mapstructure:"id"`
	Persona string `yaml:"persona" mapstructure:"persona"`
	Task    string `yaml:"task" mapstructure:"task"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// VerifyConfig configures the verification pipeline.
type VerifyConfig struct {
	Reviewers           []ReviewerConfig `yaml:"reviewers" mapstructure:"reviewers"`
	MaxAttempts         int              `yaml:"max_attempts" mapstructure:"max_attempts"`
	Threshold           float64          `yaml:"threshold" mapstructure:"threshold"`
	Samples             int              `yaml:"samples" mapstructure:"samples"`
	SampleTemperature   float64          `yaml:"sample_temperature" mapstructure:"sample_temperature"`
	AdjudicateUnanimous bool             `yaml:"adjudicate_unanimous" mapstructure:"adjudicate_unanimous"`
	AdjudicatorTask     string           `yaml:"adjudicator_task" mapstructure:"adjudicator_task"`
	AdjudicatorModel    string           `yaml:"adjudicator_model" mapstructure:"adjudicator_model"`
	GroundingModel      string           `yaml:"grounding_model" mapstructure:"grounding_model"`
}

// OrchestratorConfig configures job execution.
type OrchestratorConfig struct {
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs" mapstructure:"max_concurrent_jobs"`
	MaxJobsInMemory   int `yaml:"max_jobs_in_memory" mapstructure:"max_jobs_in_memory"`
}

// SinkConfig configures artifact delivery. Kind is log, file or webhook.
type SinkConfig struct {
	Kind       string `yaml:"kind" mapstructure:"kind"`
	Dir        string `yaml:"dir" mapstructure:"dir"`
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// PricingConfig holds per-model token pricing, merged over built-in rates.
type PricingConfig struct {
	Models map[string]ModelPricing `yaml:"models" mapstructure:"models"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// MonitoringConfig configures background alert checks.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("BUILDFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("store.driver", "file")
	v.SetDefault("store.dir", ".buildforge")
	v.SetDefault("providers", []map[string]any{
		{"id": "anthropic", "kind": "anthropic", "model": "claude-sonnet-4-5-20250929", "priority": 0, "max_tokens": 8192},
		{"id": "openai", "kind": "openai", "model": "gpt-4o", "priority": 1, "max_tokens": 4096},
	})
	v.SetDefault("ratelimit.default_window_secs", 60)
	v.SetDefault("executor.timeout_secs", 45)
	v.SetDefault("executor.max_failovers", 1)
	v.SetDefault("executor.retry.max_attempts", 3)
	v.SetDefault("executor.retry.initial_backoff_ms", 500)
	v.SetDefault("executor.retry.max_backoff_ms", 10000)
	v.SetDefault("executor.retry.multiplier", 2.0)
	v.SetDefault("executor.retry.jitter_fraction", 0.25)
	v.SetDefault("verify.reviewers", []map[string]any{
		{"id": "correctness", "persona": "correctness"},
		{"id": "spec", "persona": "spec"},
	})
	v.SetDefault("verify.max_attempts", 3)
	v.SetDefault("verify.threshold", 0.8)
	v.SetDefault("verify.samples", 3)
	v.SetDefault("verify.sample_temperature", 0.7)
	v.SetDefault("verify.adjudicate_unanimous", true)
	v.SetDefault("orchestrator.max_concurrent_jobs", 4)
	v.SetDefault("orchestrator.max_jobs_in_memory", 1000)
	v.SetDefault("sink.kind", "log")
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	// Keys for list entries cannot be reached by AutomaticEnv, so each
	// provider also reads BUILDFORGE_<ID>_API_KEY and BUILDFORGE_<ID>_BASE_URL.
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		id := strings.ToLower(p.ID)
		if p.APIKey == "" {
			p.APIKey = v.GetString(id + ".api_key")
		}
		if p.BaseURL == "" {
			p.BaseURL = v.GetString(id + ".base_url")
		}
	}

	return &cfg, nil
}

// Validate checks the configuration for a command: serve, build or
// providers. All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve", "build", "providers":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "memory":
	case "file", "sqlite":
		if c.Store.Dir == "" {
			errs = append(errs, "store.dir is required for the "+c.Store.Driver+" driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be one of memory, file, sqlite, postgres", c.Store.Driver))
	}

	if len(c.Providers) == 0 {
		errs = append(errs, "at least one provider is required")
	}
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		switch {
		case p.ID == "":
			errs = append(errs, fmt.Sprintf("providers[%d].id is required", i))
		case seen[p.ID]:
			errs = append(errs, fmt.Sprintf("providers[%d].id %q is duplicated", i, p.ID))
		}
		seen[p.ID] = true
		if p.Kind != "anthropic" && p.Kind != "openai" {
			errs = append(errs, fmt.Sprintf("providers[%d].kind %q must be anthropic or openai", i, p.Kind))
		}
		if p.RequestsPerMinute < 0 {
			errs = append(errs, fmt.Sprintf("providers[%d].requests_per_minute must be >= 0", i))
		}
	}

	if mode == "providers" {
		return joinErrors(errs)
	}

	if mode == "serve" && c.Server.Port <= 0 {
		errs = append(errs, "server.port must be > 0")
	}
	if c.Executor.TimeoutSecs <= 0 {
		errs = append(errs, "executor.timeout_secs must be > 0")
	}
	if c.Executor.MaxFailovers < 0 {
		errs = append(errs, "executor.max_failovers must be >= 0")
	}
	if c.Verify.MaxAttempts < 1 || c.Verify.MaxAttempts > 10 {
		errs = append(errs, "verify.max_attempts must be between 1 and 10")
	}
	if c.Verify.Threshold < 0 || c.Verify.Threshold > 1 {
		errs = append(errs, "verify.threshold must be between 0 and 1")
	}
	if c.Verify.Samples < 1 {
		errs = append(errs, "verify.samples must be >= 1")
	}
	if len(c.Verify.Reviewers) == 0 {
		errs = append(errs, "verify.reviewers must not be empty")
	}
	if c.Orchestrator.MaxConcurrentJobs < 1 || c.Orchestrator.MaxConcurrentJobs > 64 {
		errs = append(errs, "orchestrator.max_concurrent_jobs must be between 1 and 64")
	}

	switch c.Sink.Kind {
	case "", "log":
	case "file":
		if c.Sink.Dir == "" {
			errs = append(errs, "sink.dir is required for the file sink")
		}
	case "webhook":
		if c.Sink.WebhookURL == "" {
			errs = append(errs, "sink.webhook_url is required for the webhook sink")
		}
	default:
		errs = append(errs, fmt.Sprintf("sink.kind %q must be one of log, file, webhook", c.Sink.Kind))
	}

	return joinErrors(errs)
}

func joinErrors(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return eris.Errorf("config: %s", strings.Join(errs, "; "))
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
