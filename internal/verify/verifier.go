// Package verify decides whether generated code is accepted. Reviewers run
// in parallel, an adjudicator settles the verdict, and a hallucination
// scorer checks grounding and self-consistency before approval.
package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/buildforge/internal/executor"
	"github.com/sells-group/buildforge/internal/model"
	"github.com/sells-group/buildforge/internal/prompt"
	"github.com/sells-group/buildforge/internal/provider"
)

// Generator runs a provider call with failover. *executor.Executor
// implements it.
type Generator interface {
	Execute(ctx context.Context, call executor.Call) (*executor.Result, error)
}

// Verifier reviews generated code against the build request.
type Verifier interface {
	ID() string
	Verify(ctx context.Context, code, spec string) (model.VerificationResult, error)
}

// LLMVerifier is a reviewer backed by a provider call. Its persona selects
// the review focus.
type LLMVerifier struct {
	id      string
	persona string
	gen     Generator
	order   []string
	params  provider.Params
	nowFunc func() time.Time
}

// NewLLMVerifier creates a reviewer. order is the provider preference list
// for its calls.
func NewLLMVerifier(id, persona string, gen Generator, order []string, params provider.Params) *LLMVerifier {
	return &LLMVerifier{
		id:      id,
		persona: persona,
		gen:     gen,
		order:   order,
		params:  params,
		nowFunc: time.Now,
	}
}

// ID implements Verifier.
func (v *LLMVerifier) ID() string { return v.id }

// Verify implements Verifier. An unparseable reply is an error.
func (v *LLMVerifier) Verify(ctx context.Context, code, spec string) (model.VerificationResult, error) {
	res, err := v.gen.Execute(ctx, executor.Call{
		System: prompt.ReviewSystem(v.persona),
		Prompt: prompt.Review(code, spec),
		Order:  v.order,
		Params: v.params,
	})
	if err != nil {
		return model.VerificationResult{}, eris.Wrapf(err, "verify: reviewer %s", v.id)
	}

	verdict, err := prompt.ParseReview(res.Text)
	if err != nil {
		return model.VerificationResult{}, eris.Wrapf(err, "verify: reviewer %s", v.id)
	}

	return model.VerificationResult{
		VerifierID: v.id,
		Passed:     verdict.Passed,
		Issues:     verdict.Issues,
		Score:      *verdict.Score,
		Timestamp:  v.nowFunc(),
	}, nil
}

// failedResult converts a reviewer error into a failing verdict.
func failedResult(id string, err error, now time.Time) model.VerificationResult {
	return model.VerificationResult{
		VerifierID: id,
		Passed:     false,
		Issues:     []string{fmt.Sprintf("reviewer %s failed: %v", id, err)},
		Score:      0,
		Timestamp:  now,
	}
}
