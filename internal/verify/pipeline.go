package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/buildforge/internal/model"
)

// State is a verification stage.
type State string

const (
	StateGenerated    State = "GENERATED"
	StateReviewing    State = "REVIEWING"
	StateAdjudicating State = "ADJUDICATING"
	StateScoring      State = "SCORING_HALLUCINATION"
	StateApproved     State = "APPROVED"
	StateRegenerate   State = "REGENERATE"
	StateRejected     State = "REJECTED"
)

// Decision is the terminal state of one verification run.
type Decision = State

// Attempt is one generated candidate to verify.
type Attempt struct {
	Number      int
	MaxAttempts int
	// Spec is the user's build request; reviewers judge against it. It
	// defaults to Prompt.
	Spec    string
	Prompt  string
	System  string
	Context string
	Code    string
}

// Outcome is the result of verifying an attempt.
type Outcome struct {
	Decision      Decision
	Reviews       []model.VerificationResult
	Adjudication  *model.Adjudication
	Hallucination *model.HallucinationScore
	Issues        []string
	Audit         []model.AuditEntry
}

// Config tunes the pipeline.
type Config struct {
	// AdjudicateUnanimous sends unanimous passes to the adjudicator too.
	// When false, a unanimous pass skips adjudication.
	AdjudicateUnanimous bool
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{AdjudicateUnanimous: true}
}

// Pipeline runs reviewers, adjudication and hallucination scoring.
type Pipeline struct {
	verifiers   []Verifier
	adjudicator Adjudicator
	scorer      Scorer
	cfg         Config
	nowFunc     func() time.Time
}

// NewPipeline creates a Pipeline.
func NewPipeline(verifiers []Verifier, adjudicator Adjudicator, scorer Scorer, cfg Config) *Pipeline {
	return &Pipeline{
		verifiers:   verifiers,
		adjudicator: adjudicator,
		scorer:      scorer,
		cfg:         cfg,
		nowFunc:     time.Now,
	}
}

type run struct {
	p       *Pipeline
	attempt int
	state   State
	out     *Outcome
}

func (r *run) transition(to State, reason string) {
	r.out.Audit = append(r.out.Audit, model.AuditEntry{
		Attempt: r.attempt,
		From:    string(r.state),
		To:      string(to),
		Reason:  reason,
		At:      r.p.nowFunc(),
	})
	r.state = to
}

// note records an event that does not change state.
func (r *run) note(reason string) {
	r.transition(r.state, reason)
}

// Run verifies one attempt. Errors are returned only when the adjudicator
// or scorer cannot produce a verdict or ctx is done; reviewer errors count
// as failed reviews.
func (p *Pipeline) Run(ctx context.Context, a Attempt) (*Outcome, error) {
	spec := a.Spec
	if spec == "" {
		spec = a.Prompt
	}
	r := &run{p: p, attempt: a.Number, state: StateGenerated, out: &Outcome{}}
	log := zap.L().With(zap.Int("attempt", a.Number))

	r.transition(StateReviewing, fmt.Sprintf("%d reviewers", len(p.verifiers)))
	reviews, err := p.review(ctx, a.Code, spec)
	if err != nil {
		return nil, err
	}
	r.out.Reviews = reviews

	passed := 0
	for _, rv := range reviews {
		if rv.Passed {
			passed++
		}
	}
	// An empty reviewer set never counts as approval.
	unanimous := len(reviews) > 0 && passed == len(reviews)
	log.Info("verify: reviews complete", zap.Int("passed", passed), zap.Int("total", len(reviews)))

	if unanimous && !p.cfg.AdjudicateUnanimous {
		r.out.Adjudication = &model.Adjudication{
			Approved: true,
			Reason:   "unanimous reviewer approval",
			Skipped:  true,
		}
		r.transition(StateScoring, "unanimous pass, adjudication skipped")
	} else {
		disagreement := !unanimous
		reason := "unanimous pass"
		switch {
		case len(reviews) == 0:
			reason = "no reviewers"
		case disagreement:
			reason = fmt.Sprintf("split vote %d/%d", passed, len(reviews))
		}
		r.transition(StateAdjudicating, reason)

		adj, err := p.adjudicator.Adjudicate(ctx, AdjudicationInput{
			Code:         a.Code,
			Spec:         spec,
			Results:      reviews,
			Disagreement: disagreement,
		})
		if err != nil {
			return nil, err
		}
		adj.Disagreement = disagreement
		r.out.Adjudication = &adj

		for _, o := range adj.Overrides {
			r.note(fmt.Sprintf("override %s: %s -> %s: %s", o.VerifierID, verdict(o.From), verdict(o.To), adj.Reason))
		}

		if !adj.Approved {
			r.out.Issues = collectIssues(reviews, adj)
			r.finish(a, "adjudicator rejected: "+adj.Reason)
			return r.out, nil
		}
		r.transition(StateScoring, "adjudicator approved: "+adj.Reason)
	}

	score, err := p.scorer.Score(ctx, ScoreInput{
		Prompt:   a.Prompt,
		System:   a.System,
		Context:  a.Context,
		Response: a.Code,
	})
	if err != nil {
		return nil, err
	}
	r.out.Hallucination = &score

	summary := fmt.Sprintf("combined %.2f (grounding %.2f, consistency %.2f)", score.Combined, score.Grounding, score.Consistency)
	if !score.Accepted {
		r.out.Issues = []string{"hallucination check failed: " + summary}
		r.finish(a, "hallucination "+summary)
		return r.out, nil
	}

	r.transition(StateApproved, "hallucination "+summary)
	r.out.Decision = StateApproved
	return r.out, nil
}

// finish ends a failed run in REGENERATE, or REJECTED on the last attempt.
func (r *run) finish(a Attempt, reason string) {
	to := StateRegenerate
	if a.MaxAttempts > 0 && a.Number >= a.MaxAttempts {
		to = StateRejected
	}
	r.transition(to, reason)
	r.out.Decision = to
}

// review runs every verifier concurrently. Results keep verifier order.
func (p *Pipeline) review(ctx context.Context, code, spec string) ([]model.VerificationResult, error) {
	results := make([]model.VerificationResult, len(p.verifiers))

	g, gctx := errgroup.WithContext(ctx)
	for i, v := range p.verifiers {
		g.Go(func() error {
			res, err := v.Verify(gctx, code, spec)
			if err != nil {
				zap.L().Warn("verify: reviewer failed", zap.String("verifier", v.ID()), zap.Error(err))
				res = failedResult(v.ID(), err, p.nowFunc())
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "verify: review")
	}
	return results, nil
}

func collectIssues(reviews []model.VerificationResult, adj model.Adjudication) []string {
	var issues []string
	for _, rv := range reviews {
		if rv.Passed {
			continue
		}
		issues = append(issues, rv.Issues...)
	}
	if adj.Reason != "" {
		issues = append(issues, "adjudicator: "+adj.Reason)
	}
	return issues
}

func verdict(passed bool) string {
	if passed {
		return "pass"
	}
	return "fail"
}
