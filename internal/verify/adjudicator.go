package verify

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/buildforge/internal/executor"
	"github.com/sells-group/buildforge/internal/model"
	"github.com/sells-group/buildforge/internal/prompt"
	"github.com/sells-group/buildforge/internal/provider"
)

// AdjudicationInput is everything the adjudicator sees.
type AdjudicationInput struct {
	Code         string
	Spec         string
	Results      []model.VerificationResult
	Disagreement bool
}

// Adjudicator makes the final accept or reject call over reviewer results.
type Adjudicator interface {
	Adjudicate(ctx context.Context, in AdjudicationInput) (model.Adjudication, error)
}

// LLMAdjudicator is an Adjudicator backed by a provider call.
type LLMAdjudicator struct {
	gen    Generator
	order  []string
	params provider.Params
}

// NewLLMAdjudicator creates an adjudicator.
func NewLLMAdjudicator(gen Generator, order []string, params provider.Params) *LLMAdjudicator {
	return &LLMAdjudicator{gen: gen, order: order, params: params}
}

// Adjudicate implements Adjudicator. Only overrides that actually reverse a
// reviewer's verdict are recorded.
func (a *LLMAdjudicator) Adjudicate(ctx context.Context, in AdjudicationInput) (model.Adjudication, error) {
	res, err := a.gen.Execute(ctx, executor.Call{
		System: prompt.AdjudicationSystem,
		Prompt: prompt.Adjudication(in.Code, in.Spec, in.Results, in.Disagreement),
		Order:  a.order,
		Params: a.params,
	})
	if err != nil {
		return model.Adjudication{}, eris.Wrap(err, "verify: adjudicate")
	}

	verdict, err := prompt.ParseAdjudication(res.Text)
	if err != nil {
		return model.Adjudication{}, eris.Wrap(err, "verify: adjudicate")
	}

	original := make(map[string]bool, len(in.Results))
	for _, r := range in.Results {
		original[r.VerifierID] = r.Passed
	}

	out := model.Adjudication{
		Approved:     verdict.Approved,
		Reason:       verdict.Reason,
		Disagreement: in.Disagreement,
	}
	for _, o := range verdict.Overrides {
		from, ok := original[o.VerifierID]
		if !ok || from == o.Passed {
			continue
		}
		out.Overrides = append(out.Overrides, model.Override{VerifierID: o.VerifierID, From: from, To: o.Passed})
	}
	return out, nil
}
