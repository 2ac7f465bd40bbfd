// Package ratelimit tracks per-provider rate-limit penalties. Availability
// recovers lazily: an expired penalty is cleared by the next read, never by a
// timer.
package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/buildforge/internal/model"
)

// DefaultWindow is the penalty applied when a backend gives no retry hint.
const DefaultWindow = 60 * time.Second

// Store is the rate-limit view consumed by the selector and executor.
type Store interface {
	// MarkUnavailable penalizes a provider for retryAfter (DefaultWindow when
	// <= 0) and returns the effective reset time. A mark never shortens an
	// outstanding penalty.
	MarkUnavailable(ctx context.Context, providerID string, retryAfter time.Duration) (time.Time, error)
	// IsAvailable reports whether the provider is unpenalized or its penalty
	// has expired.
	IsAvailable(providerID string) bool
	// ResetAt returns the outstanding penalty, if any.
	ResetAt(providerID string) (time.Time, bool)
	// Status snapshots every known provider.
	Status() map[string]model.ProviderStatus
}

// Persister durably stores penalty records. store.SQLiteStore,
// store.PostgresStore and store.FilePersister implement it.
type Persister interface {
	SaveRateLimit(ctx context.Context, rec model.RateLimitRecord) error
	LoadRateLimits(ctx context.Context) ([]model.RateLimitRecord, error)
}

type entry struct {
	mu  sync.Mutex
	rec *model.RateLimitRecord
}

// Registry is the in-memory Store with optional write-through persistence.
// Each provider has its own lock; marks for one provider never wait on
// another.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	persister Persister
	window    time.Duration
	nowFunc   func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithPersister writes every mark through to p.
func WithPersister(p Persister) Option {
	return func(r *Registry) { r.persister = p }
}

// WithDefaultWindow overrides DefaultWindow.
func WithDefaultWindow(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.window = d
		}
	}
}

// WithProviders pre-registers providers so Status reports them before
// their first mark.
func WithProviders(ids ...string) Option {
	return func(r *Registry) {
		for _, id := range ids {
			r.entries[id] = &entry{}
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.nowFunc = now }
}

// NewRegistry creates a Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		window:  DefaultWindow,
		nowFunc: time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// NewMemory creates a Registry with no persistence.
func NewMemory(opts ...Option) *Registry {
	return NewRegistry(opts...)
}

func (r *Registry) entry(providerID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[providerID]
	if !ok {
		e = &entry{}
		r.entries[providerID] = e
	}
	return e
}

// MarkUnavailable implements Store. The persister write happens under the
// provider's lock so concurrent marks reach the persister in order. If the
// write fails the in-memory penalty still applies and the error is returned.
func (r *Registry) MarkUnavailable(ctx context.Context, providerID string, retryAfter time.Duration) (time.Time, error) {
	if retryAfter <= 0 {
		retryAfter = r.window
	}
	now := r.nowFunc()
	candidate := ceilMillis(now.Add(retryAfter))

	e := r.entry(providerID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec != nil && !candidate.After(e.rec.ResetAt) {
		return e.rec.ResetAt, nil
	}

	rec := model.RateLimitRecord{ProviderID: providerID, ResetAt: candidate, MarkedAt: now}
	e.rec = &rec

	zap.L().Info("ratelimit: provider marked unavailable",
		zap.String("provider", providerID),
		zap.Time("reset_at", candidate),
		zap.Duration("retry_after", retryAfter),
	)

	if r.persister != nil {
		if err := r.persister.SaveRateLimit(ctx, rec); err != nil {
			return candidate, eris.Wrapf(err, "ratelimit: persist %s", providerID)
		}
	}
	return candidate, nil
}

// current returns the live penalty for an entry, clearing it if expired.
// Caller holds e.mu.
func (r *Registry) current(e *entry, now time.Time) *model.RateLimitRecord {
	if e.rec == nil {
		return nil
	}
	if !now.Before(e.rec.ResetAt) {
		e.rec = nil
		return nil
	}
	return e.rec
}

// IsAvailable implements Store.
func (r *Registry) IsAvailable(providerID string) bool {
	_, limited := r.ResetAt(providerID)
	return !limited
}

// ResetAt implements Store.
func (r *Registry) ResetAt(providerID string) (time.Time, bool) {
	r.mu.Lock()
	e, ok := r.entries[providerID]
	r.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	rec := r.current(e, r.nowFunc())
	if rec == nil {
		return time.Time{}, false
	}
	return rec.ResetAt, true
}

// Status implements Store.
func (r *Registry) Status() map[string]model.ProviderStatus {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)

	now := r.nowFunc()
	out := make(map[string]model.ProviderStatus, len(ids))
	for _, id := range ids {
		reset, limited := r.ResetAt(id)
		if !limited {
			out[id] = model.ProviderStatus{Available: true}
			continue
		}
		out[id] = model.ProviderStatus{
			Available:        false,
			ResetAt:          &reset,
			SecondsRemaining: secondsUntil(now, reset),
		}
	}
	return out
}

// secondsUntil rounds up so a provider with 200ms left does not report 0.
func secondsUntil(now, t time.Time) int {
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

// Load rehydrates penalties from the persister. Expired records are
// ignored; a loaded record never shortens an in-memory penalty.
func (r *Registry) Load(ctx context.Context) (int, error) {
	if r.persister == nil {
		return 0, nil
	}
	recs, err := r.persister.LoadRateLimits(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "ratelimit: load")
	}

	now := r.nowFunc()
	loaded := 0
	for _, rec := range recs {
		if !now.Before(rec.ResetAt) {
			continue
		}
		e := r.entry(rec.ProviderID)
		e.mu.Lock()
		if e.rec == nil || rec.ResetAt.After(e.rec.ResetAt) {
			cp := rec
			e.rec = &cp
			loaded++
		}
		e.mu.Unlock()
	}
	return loaded, nil
}

var _ Store = (*Registry)(nil)

// ceilMillis rounds t up to a whole millisecond, the coarsest precision any
// persister keeps, so a reloaded penalty never ends before the original.
func ceilMillis(t time.Time) time.Time {
	c := t.Truncate(time.Millisecond)
	if c.Before(t) {
		c = c.Add(time.Millisecond)
	}
	return c
}
