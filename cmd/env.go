package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/buildforge/internal/config"
	"github.com/sells-group/buildforge/internal/cost"
	"github.com/sells-group/buildforge/internal/executor"
	"github.com/sells-group/buildforge/internal/monitoring"
	"github.com/sells-group/buildforge/internal/orchestrator"
	"github.com/sells-group/buildforge/internal/progress"
	"github.com/sells-group/buildforge/internal/provider"
	"github.com/sells-group/buildforge/internal/ratelimit"
	"github.com/sells-group/buildforge/internal/resilience"
	"github.com/sells-group/buildforge/internal/selector"
	"github.com/sells-group/buildforge/internal/sink"
	"github.com/sells-group/buildforge/internal/store"
	"github.com/sells-group/buildforge/internal/verify"
	anthropicpkg "github.com/sells-group/buildforge/pkg/anthropic"
	openaipkg "github.com/sells-group/buildforge/pkg/openai"
)

// buildEnv holds every component needed by the serve and build commands.
type buildEnv struct {
	Store        store.Store // nil for the memory and file drivers
	Limits       *ratelimit.Registry
	Providers    *provider.Registry
	Selector     *selector.Selector
	Executor     *executor.Executor
	Tracker      *progress.Tracker
	Orchestrator *orchestrator.Orchestrator
	Collector    *monitoring.Collector
}

// Close releases resources held by the environment.
func (e *buildEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the job store for the sqlite and postgres drivers. The
// memory and file drivers keep jobs in memory and return nil.
func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch c.Store.Driver {
	case "sqlite":
		if err := os.MkdirAll(c.Store.Dir, 0o755); err != nil {
			return nil, eris.Wrapf(err, "create store dir %s", c.Store.Dir)
		}
		st, err = store.NewSQLite(filepath.Join(c.Store.Dir, "buildforge.db"))
	case "postgres":
		st, err = store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
	case "memory", "file":
		return nil, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initLimits builds the rate-limit registry and restores persisted
// penalties. st may be nil.
func initLimits(ctx context.Context, c *config.Config, st store.Store) (*ratelimit.Registry, error) {
	ids := make([]string, 0, len(c.Providers))
	for _, p := range c.Providers {
		ids = append(ids, p.ID)
	}
	opts := []ratelimit.Option{
		ratelimit.WithProviders(ids...),
		ratelimit.WithDefaultWindow(time.Duration(c.RateLimit.DefaultWindowSecs) * time.Second),
	}

	switch {
	case st != nil:
		opts = append(opts, ratelimit.WithPersister(st))
	case c.Store.Driver == "file":
		fp, err := store.NewFilePersister(filepath.Join(c.Store.Dir, "ratelimits"))
		if err != nil {
			return nil, err
		}
		opts = append(opts, ratelimit.WithPersister(fp))
	}

	limits := ratelimit.NewRegistry(opts...)
	n, err := limits.Load(ctx)
	if err != nil {
		zap.L().Warn("failed to restore rate limits, starting clean", zap.Error(err))
	} else if n > 0 {
		zap.L().Info("restored rate limits", zap.Int("providers", n))
	}
	return limits, nil
}

// initProviders registers a backend for every configured provider.
// Providers without a key stay registered so they show up in status output,
// but the selector skips them.
func initProviders(c *config.Config) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	for _, pc := range c.Providers {
		hasKey := pc.APIKey != ""
		switch pc.Kind {
		case "anthropic":
			var opts []anthropicpkg.Option
			if pc.BaseURL != "" {
				opts = append(opts, anthropicpkg.WithBaseURL(pc.BaseURL))
			}
			client := anthropicpkg.NewClient(pc.APIKey, opts...)
			reg.Register(provider.NewAnthropic(pc.ID, client, pc.Model, pc.MaxTokens, hasKey), pc.Priority)
		case "openai":
			opts := []openaipkg.Option{openaipkg.WithModel(pc.Model)}
			if pc.BaseURL != "" {
				opts = append(opts, openaipkg.WithBaseURL(pc.BaseURL))
			}
			client := openaipkg.NewClient(pc.APIKey, opts...)
			reg.Register(provider.NewOpenAI(pc.ID, client, pc.MaxTokens, hasKey), pc.Priority)
		default:
			return nil, eris.Errorf("provider %s: unsupported kind %q", pc.ID, pc.Kind)
		}
		if !hasKey {
			zap.L().Warn("provider has no api key, it will be skipped", zap.String("provider", pc.ID))
		}
	}
	return reg, nil
}

// loadProfiles merges the profiles file over inline profiles.
func loadProfiles(c *config.Config) (map[string][]string, error) {
	profiles := make(map[string][]string, len(c.Selector.Profiles))
	for task, order := range c.Selector.Profiles {
		profiles[task] = order
	}
	if c.Selector.ProfilesFile == "" {
		return profiles, nil
	}
	fromFile, err := selector.LoadProfiles(c.Selector.ProfilesFile)
	if err != nil {
		return nil, err
	}
	for task, order := range fromFile {
		profiles[task] = order
	}
	return profiles, nil
}

// pricingRates merges configured pricing over the built-in rates.
func pricingRates(c *config.Config) cost.Rates {
	rates := cost.DefaultRates()
	for name, p := range c.Pricing.Models {
		rates.Models[name] = cost.ModelRate{Input: p.Input, Output: p.Output}
	}
	return rates
}

// initSink builds the artifact sink.
func initSink(c *config.Config) (sink.Sink, error) {
	switch c.Sink.Kind {
	case "file":
		fs, err := sink.NewFileSink(c.Sink.Dir)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "webhook":
		retry := resilience.FromRetryConfig(
			c.Executor.Retry.MaxAttempts,
			c.Executor.Retry.InitialBackoffMs,
			c.Executor.Retry.MaxBackoffMs,
			c.Executor.Retry.Multiplier,
			c.Executor.Retry.JitterFraction,
		)
		return sink.NewWebhookSink(c.Sink.WebhookURL, retry), nil
	default:
		return sink.LogSink{}, nil
	}
}

// initVerifier builds the reviewer, adjudicator and scorer pipeline.
func initVerifier(c *config.Config, sel *selector.Selector, gen verify.Generator) *verify.Pipeline {
	reviewers := make([]verify.Verifier, 0, len(c.Verify.Reviewers))
	for _, rc := range c.Verify.Reviewers {
		persona := rc.Persona
		if persona == "" {
			persona = rc.ID
		}
		reviewers = append(reviewers, verify.NewLLMVerifier(rc.ID, persona, gen,
			sel.Order(rc.Task), provider.Params{Model: rc.Model}))
	}

	adj := verify.NewLLMAdjudicator(gen, sel.Order(c.Verify.AdjudicatorTask),
		provider.Params{Model: c.Verify.AdjudicatorModel})

	var sampleTemp *float64
	if c.Verify.SampleTemperature > 0 {
		t := c.Verify.SampleTemperature
		sampleTemp = &t
	}
	scorer := verify.NewHallucinationScorer(gen, sel.Order(selector.DefaultProfile), verify.ScorerConfig{
		Samples:           c.Verify.Samples,
		Threshold:         c.Verify.Threshold,
		SampleTemperature: sampleTemp,
		GroundingModel:    c.Verify.GroundingModel,
	})

	return verify.NewPipeline(reviewers, adj, scorer, verify.Config{
		AdjudicateUnanimous: c.Verify.AdjudicateUnanimous,
	})
}

// initEnv validates the configuration for mode and wires the full stack.
// Callers should defer env.Close().
func initEnv(ctx context.Context, c *config.Config, mode string) (*buildEnv, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx, c)
	if err != nil {
		return nil, err
	}
	env := &buildEnv{Store: st}

	fail := func(err error) (*buildEnv, error) {
		env.Close()
		return nil, err
	}

	if env.Limits, err = initLimits(ctx, c, st); err != nil {
		return fail(err)
	}
	if env.Providers, err = initProviders(c); err != nil {
		return fail(err)
	}
	profiles, err := loadProfiles(c)
	if err != nil {
		return fail(err)
	}
	env.Selector = selector.New(env.Providers, env.Limits, profiles)

	rpm := make(map[string]int, len(c.Providers))
	for _, pc := range c.Providers {
		if pc.RequestsPerMinute > 0 {
			rpm[pc.ID] = pc.RequestsPerMinute
		}
	}
	env.Executor = executor.New(env.Providers, env.Selector, env.Limits, cost.NewCalculator(pricingRates(c)), executor.Config{
		Timeout:      time.Duration(c.Executor.TimeoutSecs) * time.Second,
		MaxFailovers: c.Executor.MaxFailovers,
		Retry: resilience.FromRetryConfig(
			c.Executor.Retry.MaxAttempts,
			c.Executor.Retry.InitialBackoffMs,
			c.Executor.Retry.MaxBackoffMs,
			c.Executor.Retry.Multiplier,
			c.Executor.Retry.JitterFraction,
		),
		RequestsPerMinute: rpm,
	})

	trackerOpts := []progress.Option{progress.WithMaxJobs(c.Orchestrator.MaxJobsInMemory)}
	if st != nil {
		trackerOpts = append(trackerOpts, progress.WithRecorder(st))
	}
	env.Tracker = progress.New(trackerOpts...)

	out, err := initSink(c)
	if err != nil {
		return fail(err)
	}

	env.Orchestrator = orchestrator.New(env.Tracker, env.Selector, env.Executor,
		initVerifier(c, env.Selector, env.Executor), out, orchestrator.Config{
			MaxAttempts:       c.Verify.MaxAttempts,
			MaxConcurrentJobs: c.Orchestrator.MaxConcurrentJobs,
		})
	env.Collector = monitoring.NewCollector(env.Tracker, env.Selector)

	zap.L().Info("buildforge initialized",
		zap.String("store", c.Store.Driver),
		zap.Strings("providers", env.Providers.List()),
		zap.Int("reviewers", len(c.Verify.Reviewers)),
		zap.String("sink", c.Sink.Kind),
	)
	return env, nil
}
