// Package executor runs a single generation against a provider with a
// per-call timeout, same-provider retry for transient failures, and
// single-hop failover when a provider is rate-limited or keeps failing.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/buildforge/internal/cost"
	"github.com/sells-group/buildforge/internal/model"
	"github.com/sells-group/buildforge/internal/provider"
	"github.com/sells-group/buildforge/internal/ratelimit"
	"github.com/sells-group/buildforge/internal/resilience"
	"github.com/sells-group/buildforge/internal/selector"
)

// Defaults for Config zero values.
const (
	DefaultTimeout      = 45 * time.Second
	DefaultMaxFailovers = 1
)

// ErrProviderExhausted means the failover budget was spent while the last
// error was still retryable.
var ErrProviderExhausted = errors.New("executor: provider exhausted")

// ExhaustedError carries the providers tried and the last classified error.
// It matches both ErrProviderExhausted and the last *provider.Error.
type ExhaustedError struct {
	Tried []string
	Last  *provider.Error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s after %v: %s", ErrProviderExhausted, e.Tried, e.Last)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrProviderExhausted, e.Last}
}

// Chooser picks providers. *selector.Selector implements it.
type Chooser interface {
	Choose(order []string, exclude ...string) (string, error)
}

// NotifyFunc receives human-readable progress events such as failovers.
type NotifyFunc func(title, detail string)

// Call is one generation request.
type Call struct {
	Prompt string
	System string
	// ProviderID is the preferred provider. When empty or unavailable the
	// first available entry of Order is used.
	ProviderID string
	Order      []string
	// Timeout bounds each provider call; zero uses the executor default.
	Timeout time.Duration
	Params  provider.Params
	Notify  NotifyFunc
}

// Result is a successful generation.
type Result struct {
	Text      string
	Provider  string
	Model     string
	Usage     model.TokenUsage
	CostUSD   float64
	Failovers int
	Duration  time.Duration
}

// Config tunes the executor.
type Config struct {
	Timeout      time.Duration
	MaxFailovers int
	Retry        resilience.RetryConfig
	// RequestsPerMinute paces calls per provider; missing or zero is unpaced.
	RequestsPerMinute map[string]int
}

// Executor runs provider calls.
type Executor struct {
	registry *provider.Registry
	chooser  Chooser
	limits   ratelimit.Store
	calc     *cost.Calculator
	cfg      Config

	mu     sync.Mutex
	pacers map[string]*rate.Limiter
}

// New creates an Executor. calc may be nil, in which case cost is not
// estimated.
func New(registry *provider.Registry, chooser Chooser, limits ratelimit.Store, calc *cost.Calculator, cfg Config) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxFailovers < 0 {
		cfg.MaxFailovers = 0
	} else if cfg.MaxFailovers == 0 {
		cfg.MaxFailovers = DefaultMaxFailovers
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	return &Executor{
		registry: registry,
		chooser:  chooser,
		limits:   limits,
		calc:     calc,
		cfg:      cfg,
		pacers:   make(map[string]*rate.Limiter),
	}
}

// Execute runs call, failing over at most MaxFailovers times. Errors are
// *provider.Error (fatal), *selector.NoProviderAvailableError,
// *ExhaustedError, or the caller's context error.
func (e *Executor) Execute(ctx context.Context, call Call) (*Result, error) {
	start := time.Now()

	id, err := e.first(call)
	if err != nil {
		return nil, err
	}

	var tried []string
	for hops := 0; ; hops++ {
		res, err := e.callWithRetry(ctx, id, call)
		if err == nil {
			res.Failovers = hops
			res.Duration = time.Since(start)
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, eris.Wrap(ctxErr, "executor: execute")
		}

		pe := provider.Classify(id, err)
		if pe.Kind == provider.KindFatal {
			return nil, eris.Wrapf(pe, "executor: %s", id)
		}
		if pe.Kind == provider.KindRateLimited {
			if _, merr := e.limits.MarkUnavailable(ctx, id, pe.RetryAfter); merr != nil {
				zap.L().Error("executor: persist rate limit", zap.String("provider", id), zap.Error(merr))
			}
		}
		tried = append(tried, id)

		next, cerr := e.chooser.Choose(call.Order, tried...)
		if cerr != nil {
			return nil, e.noProvider(cerr, tried)
		}
		if hops >= e.cfg.MaxFailovers {
			return nil, &ExhaustedError{Tried: tried, Last: pe}
		}

		title, detail := failoverMessage(id, next, pe)
		zap.L().Warn("executor: failing over",
			zap.String("provider", id),
			zap.String("next", next),
			zap.Stringer("kind", pe.Kind),
			zap.Duration("retry_after", pe.RetryAfter),
		)
		if call.Notify != nil {
			call.Notify(title, detail)
		}
		id = next
	}
}

// first resolves the starting provider.
func (e *Executor) first(call Call) (string, error) {
	if id := call.ProviderID; id != "" {
		if p := e.registry.Get(id); p != nil && p.HasCredential() && e.limits.IsAvailable(id) {
			return id, nil
		}
	}
	id, err := e.chooser.Choose(call.Order)
	if err != nil {
		return "", err
	}
	return id, nil
}

// noProvider widens the earliest reset to include providers excluded
// because they were already tried this call.
func (e *Executor) noProvider(err error, tried []string) error {
	var npe *selector.NoProviderAvailableError
	if !errors.As(err, &npe) {
		return eris.Wrap(err, "executor: choose failover")
	}
	out := &selector.NoProviderAvailableError{
		EarliestReset: npe.EarliestReset,
		Candidates:    npe.Candidates,
	}
	for _, id := range tried {
		if reset, limited := e.limits.ResetAt(id); limited {
			if out.EarliestReset.IsZero() || reset.Before(out.EarliestReset) {
				out.EarliestReset = reset
			}
		}
	}
	return out
}

func failoverMessage(from, to string, pe *provider.Error) (string, string) {
	if pe.Kind == provider.KindRateLimited {
		detail := fmt.Sprintf("provider %s rate-limited, switching to %s", from, to)
		if pe.RetryAfter > 0 {
			detail += fmt.Sprintf(" (retry in %s)", pe.RetryAfter.Round(time.Second))
		}
		return "Switching provider", detail
	}
	return "Switching provider", fmt.Sprintf("provider %s unavailable (%s), switching to %s", from, pe.Kind, to)
}

// callWithRetry calls one provider, retrying transient failures with
// backoff. Rate-limit and fatal errors return immediately.
func (e *Executor) callWithRetry(ctx context.Context, id string, call Call) (*Result, error) {
	p := e.registry.Get(id)
	if p == nil {
		return nil, &provider.Error{Provider: id, Kind: provider.KindFatal, Err: eris.Errorf("executor: unknown provider %s", id)}
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}

	retryCfg := e.cfg.Retry
	retryCfg.ShouldRetry = provider.IsRetryable(id)
	retryCfg.OnRetry = resilience.RetryLogger(id, "generate")

	req := provider.Request{System: call.System, Prompt: call.Prompt, Params: call.Params}
	return resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*Result, error) {
		if err := e.pace(ctx, id); err != nil {
			return nil, err
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		resp, err := p.Generate(callCtx, req)
		if err != nil {
			// A provider that ignores its context still counts as timed out.
			if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				return nil, &provider.Error{
					Provider: id,
					Kind:     provider.KindTransient,
					Err:      eris.Wrapf(context.DeadlineExceeded, "executor: %s exceeded %s", id, timeout),
				}
			}
			return nil, provider.Classify(id, err)
		}

		res := &Result{Text: resp.Text, Provider: id, Model: resp.Model, Usage: resp.Usage}
		if e.calc != nil {
			mdl := resp.Model
			if mdl == "" {
				mdl = call.Params.Model
			}
			res.CostUSD = e.calc.Tokens(mdl, resp.Usage)
		}
		return res, nil
	})
}

// pace blocks until the provider's limiter admits a request.
func (e *Executor) pace(ctx context.Context, id string) error {
	rpm := e.cfg.RequestsPerMinute[id]
	if rpm <= 0 {
		return nil
	}

	e.mu.Lock()
	lim, ok := e.pacers[id]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1)
		e.pacers[id] = lim
	}
	e.mu.Unlock()

	return eris.Wrapf(lim.Wait(ctx), "executor: pace %s", id)
}
