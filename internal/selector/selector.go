// Package selector picks the backend for a call from a preference order,
// skipping providers that are rate-limited, unconfigured or excluded. It
// never blocks waiting for a reset.
package selector

import (
	"fmt"
	"time"

	"github.com/sells-group/buildforge/internal/model"
	"github.com/sells-group/buildforge/internal/provider"
	"github.com/sells-group/buildforge/internal/ratelimit"
)

// DefaultProfile is the profile used when a task has none of its own.
const DefaultProfile = "default"

// NoProviderAvailableError is returned when no candidate can serve a call.
// EarliestReset is the soonest penalty expiry among rate-limited candidates
// and is zero when none of them were rate-limited.
type NoProviderAvailableError struct {
	EarliestReset time.Time
	Candidates    []string
}

func (e *NoProviderAvailableError) Error() string {
	if e.EarliestReset.IsZero() {
		return fmt.Sprintf("selector: no provider available among %v", e.Candidates)
	}
	return fmt.Sprintf("selector: no provider available among %v (earliest reset %s)",
		e.Candidates, e.EarliestReset.UTC().Format(time.RFC3339))
}

// Selector chooses providers.
type Selector struct {
	registry *provider.Registry
	limits   ratelimit.Store
	profiles map[string][]string
}

// New creates a Selector. profiles maps task names to preference lists and
// may be nil.
func New(registry *provider.Registry, limits ratelimit.Store, profiles map[string][]string) *Selector {
	if profiles == nil {
		profiles = map[string][]string{}
	}
	return &Selector{registry: registry, limits: limits, profiles: profiles}
}

// Order returns the preference list for task. It falls back to the default
// profile, then to registry priority order. Unregistered IDs are dropped.
func (s *Selector) Order(task string) []string {
	order, ok := s.profiles[task]
	if !ok || task == "" {
		order, ok = s.profiles[DefaultProfile]
	}
	if !ok || len(order) == 0 {
		return s.registry.List()
	}

	out := make([]string, 0, len(order))
	seen := make(map[string]bool, len(order))
	for _, id := range order {
		if seen[id] || s.registry.Get(id) == nil {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Choose returns the first provider in order that is available, has a
// credential and is not excluded. An empty order means registry priority
// order.
func (s *Selector) Choose(order []string, exclude ...string) (string, error) {
	if len(order) == 0 {
		order = s.registry.List()
	}
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	var earliest time.Time
	for _, id := range order {
		if skip[id] {
			continue
		}
		p := s.registry.Get(id)
		if p == nil || !p.HasCredential() {
			continue
		}
		if reset, limited := s.limits.ResetAt(id); limited {
			if earliest.IsZero() || reset.Before(earliest) {
				earliest = reset
			}
			continue
		}
		return id, nil
	}

	return "", &NoProviderAvailableError{
		EarliestReset: earliest,
		Candidates:    append([]string(nil), order...),
	}
}

// States returns the availability of every registered provider in priority
// order.
func (s *Selector) States() []model.ProviderState {
	ids := s.registry.List()
	out := make([]model.ProviderState, 0, len(ids))
	for _, id := range ids {
		st := model.ProviderState{
			ID:            id,
			Available:     true,
			HasCredential: s.registry.Get(id).HasCredential(),
			Priority:      s.registry.Priority(id),
		}
		if reset, limited := s.limits.ResetAt(id); limited {
			st.Available = false
			st.ResetAt = &reset
		}
		out = append(out, st)
	}
	return out
}
