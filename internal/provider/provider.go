// Package provider defines the single interface every LLM backend is reached
// through, plus the registry of configured backends.
package provider

import (
	"context"
	"sort"
	"sync"

	"github.com/sells-group/buildforge/internal/model"
)

// Params are the model parameters passed through to a backend.
type Params struct {
	Model       string
	MaxTokens   int
	Temperature *float64
}

// Request is a single generation call.
type Request struct {
	System string
	Prompt string
	Params Params
}

// Response is the generated text and its accounting.
type Response struct {
	Text  string
	Model string
	Usage model.TokenUsage
}

// Provider is implemented by every LLM backend regardless of vendor.
type Provider interface {
	// ID returns the provider identifier used in preference lists.
	ID() string
	// HasCredential reports whether an API key is configured.
	HasCredential() bool
	// Generate runs a completion. Errors should carry the HTTP status and any
	// Retry-After hint; Classify normalizes them.
	Generate(ctx context.Context, req Request) (*Response, error)
}

type entry struct {
	provider Provider
	priority int
}

// Registry manages the configured providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]entry
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]entry),
	}
}

// Register adds a provider with a priority; lower values are preferred.
func (r *Registry) Register(p Provider, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = entry{provider: p, priority: priority}
}

// Get returns a provider by ID, or nil if not found.
func (r *Registry) Get(id string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.providers[id]
	if !ok {
		return nil
	}
	return e.provider
}

// Priority returns the provider's configured priority.
func (r *Registry) Priority(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[id].priority
}

// List returns all registered provider IDs ordered by priority, then ID.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := r.providers[ids[i]].priority, r.providers[ids[j]].priority
		if pi != pj {
			return pi < pj
		}
		return ids[i] < ids[j]
	})
	return ids
}
