// Package providertest provides a scriptable Provider for tests.
package providertest

import (
	"context"
	"sync"

	"github.com/sells-group/buildforge/internal/provider"
)

// HandlerFunc produces the outcome of one Generate call.
type HandlerFunc func(ctx context.Context, req provider.Request) (*provider.Response, error)

// Fake is a Provider whose behavior is supplied by a handler. It records
// every request it receives.
type Fake struct {
	FakeID  string
	NoKey   bool
	Handler HandlerFunc

	mu       sync.Mutex
	requests []provider.Request
}

// New creates a fake that answers every call with text.
func New(id, text string) *Fake {
	return &Fake{FakeID: id, Handler: Text(text)}
}

// Text returns a handler that always answers with text.
func Text(text string) HandlerFunc {
	return func(context.Context, provider.Request) (*provider.Response, error) {
		return &provider.Response{Text: text, Model: "fake"}, nil
	}
}

// Fail returns a handler that always fails with err.
func Fail(err error) HandlerFunc {
	return func(context.Context, provider.Request) (*provider.Response, error) {
		return nil, err
	}
}

// Sequence returns a handler that plays handlers in order and repeats the
// last one once exhausted.
func Sequence(handlers ...HandlerFunc) HandlerFunc {
	var mu sync.Mutex
	i := 0
	return func(ctx context.Context, req provider.Request) (*provider.Response, error) {
		mu.Lock()
		h := handlers[i]
		if i < len(handlers)-1 {
			i++
		}
		mu.Unlock()
		return h(ctx, req)
	}
}

// ID implements provider.Provider.
func (f *Fake) ID() string { return f.FakeID }

// HasCredential implements provider.Provider.
func (f *Fake) HasCredential() bool { return !f.NoKey }

// Generate implements provider.Provider.
func (f *Fake) Generate(ctx context.Context, req provider.Request) (*provider.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	resp, err := f.Handler(ctx, req)
	if err != nil {
		return nil, provider.Classify(f.FakeID, err)
	}
	return resp, nil
}

// Calls returns the number of Generate calls so far.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// Requests returns a copy of the recorded requests.
func (f *Fake) Requests() []provider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.Request(nil), f.requests...)
}
