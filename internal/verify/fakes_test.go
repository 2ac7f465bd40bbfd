package verify

import (
	"context"
	"errors"
	"sync"

	"github.com/sells-group/buildforge/internal/executor"
	"github.com/sells-group/buildforge/internal/model"
)

type fakeGen struct {
	mu     sync.Mutex
	calls  []executor.Call
	handle func(call executor.Call) (string, error)
}

func (f *fakeGen) Execute(_ context.Context, call executor.Call) (*executor.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	text, err := f.handle(call)
	if err != nil {
		return nil, err
	}
	return &executor.Result{Text: text, Provider: "fake"}, nil
}

func (f *fakeGen) count(match func(executor.Call) bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if match(c) {
			n++
		}
	}
	return n
}

type fakeVerifier struct {
	id     string
	passed bool
	issues []string
	err    error
	hook   func()
}

func (v *fakeVerifier) ID() string { return v.id }

func (v *fakeVerifier) Verify(context.Context, string, string) (model.VerificationResult, error) {
	if v.hook != nil {
		v.hook()
	}
	if v.err != nil {
		return model.VerificationResult{}, v.err
	}
	score := 0.0
	if v.passed {
		score = 1.0
	}
	return model.VerificationResult{VerifierID: v.id, Passed: v.passed, Issues: v.issues, Score: score}, nil
}

type fakeAdjudicator struct {
	mu       sync.Mutex
	calls    []AdjudicationInput
	decision model.Adjudication
	err      error
}

func (a *fakeAdjudicator) Adjudicate(_ context.Context, in AdjudicationInput) (model.Adjudication, error) {
	a.mu.Lock()
	a.calls = append(a.calls, in)
	a.mu.Unlock()
	if a.err != nil {
		return model.Adjudication{}, a.err
	}
	return a.decision, nil
}

type fakeScorer struct {
	grounding   float64
	consistency float64
	err         error
	calls       int
}

func (s *fakeScorer) Score(context.Context, ScoreInput) (model.HallucinationScore, error) {
	s.calls++
	if s.err != nil {
		return model.HallucinationScore{}, s.err
	}
	return model.NewHallucinationScore(s.grounding, s.consistency, model.HallucinationThreshold), nil
}

var errBoom = errors.New("boom")
