package verify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/buildforge/internal/model"
)

func attempt(n int) Attempt {
	return Attempt{Number: n, MaxAttempts: 3, Spec: "build a todo app", Prompt: "Build request: build a todo app", Code: "package main"}
}

func states(audit []model.AuditEntry) []string {
	out := []string{string(StateGenerated)}
	for _, a := range audit {
		if a.From != a.To {
			out = append(out, a.To)
		}
	}
	return out
}

func TestPipeline_ApprovedInOneAttempt(t *testing.T) {
	adj := &fakeAdjudicator{decision: model.Adjudication{Approved: true, Reason: "solid"}}
	p := NewPipeline(
		[]Verifier{&fakeVerifier{id: "r1", passed: true}, &fakeVerifier{id: "r2", passed: true}},
		adj,
		&fakeScorer{grounding: 0.9, consistency: 0.8},
		DefaultConfig(),
	)

	out, err := p.Run(context.Background(), attempt(1))
	require.NoError(t, err)
	assert.Equal(t, StateApproved, out.Decision)
	require.Len(t, out.Reviews, 2)
	require.NotNil(t, out.Adjudication)
	assert.True(t, out.Adjudication.Approved)
	assert.False(t, out.Adjudication.Disagreement)
	require.NotNil(t, out.Hallucination)
	assert.InDelta(t, 0.86, out.Hallucination.Combined, 1e-9)
	assert.Empty(t, out.Issues)

	assert.Equal(t, []string{"GENERATED", "REVIEWING", "ADJUDICATING", "SCORING_HALLUCINATION", "APPROVED"}, states(out.Audit))
	for _, e := range out.Audit {
		assert.Equal(t, 1, e.Attempt)
	}
	require.Len(t, adj.calls, 1, "adjudicator is the final authority by default")
}

func TestPipeline_SplitVoteRoutesToAdjudicator(t *testing.T) {
	for _, unanimousToo := range []bool{true, false} {
		adj := &fakeAdjudicator{decision: model.Adjudication{Approved: true, Reason: "r2 nitpicked"}}
		p := NewPipeline(
			[]Verifier{&fakeVerifier{id: "r1", passed: true}, &fakeVerifier{id: "r2", passed: false, issues: []string{"style"}}},
			adj,
			&fakeScorer{grounding: 1, consistency: 1},
			Config{AdjudicateUnanimous: unanimousToo},
		)

		out, err := p.Run(context.Background(), attempt(1))
		require.NoError(t, err)
		require.Len(t, adj.calls, 1)
		assert.True(t, adj.calls[0].Disagreement)
		assert.Len(t, adj.calls[0].Results, 2)
		assert.True(t, out.Adjudication.Disagreement)
		assert.Equal(t, StateApproved, out.Decision)
	}
}

func TestPipeline_UnanimousSkipsAdjudicationWhenConfigured(t *testing.T) {
	adj := &fakeAdjudicator{}
	p := NewPipeline(
		[]Verifier{&fakeVerifier{id: "r1", passed: true}, &fakeVerifier{id: "r2", passed: true}},
		adj,
		&fakeScorer{grounding: 1, consistency: 1},
		Config{AdjudicateUnanimous: false},
	)

	out, err := p.Run(context.Background(), attempt(1))
	require.NoError(t, err)
	assert.Empty(t, adj.calls)
	require.NotNil(t, out.Adjudication)
	assert.True(t, out.Adjudication.Skipped)
	assert.Equal(t, StateApproved, out.Decision)
	assert.Equal(t, []string{"GENERATED", "REVIEWING", "SCORING_HALLUCINATION", "APPROVED"}, states(out.Audit))
}

func TestPipeline_NoReviewersIsNotUnanimous(t *testing.T) {
	adj := &fakeAdjudicator{decision: model.Adjudication{Approved: false, Reason: "nothing reviewed"}}
	p := NewPipeline(nil, adj, &fakeScorer{grounding: 1, consistency: 1}, Config{AdjudicateUnanimous: false})

	out, err := p.Run(context.Background(), attempt(1))
	require.NoError(t, err)
	require.Len(t, adj.calls, 1, "adjudication is never skipped without reviewers")
	assert.True(t, adj.calls[0].Disagreement)
	require.NotNil(t, out.Adjudication)
	assert.False(t, out.Adjudication.Skipped)
	assert.NotEqual(t, StateApproved, out.Decision)
}

func TestPipeline_ReviewerErrorCountsAsFailure(t *testing.T) {
	adj := &fakeAdjudicator{decision: model.Adjudication{Approved: false, Reason: "not reviewed"}}
	p := NewPipeline(
		[]Verifier{&fakeVerifier{id: "r1", passed: true}, &fakeVerifier{id: "r2", err: errBoom}},
		adj,
		&fakeScorer{grounding: 1, consistency: 1},
		DefaultConfig(),
	)

	out, err := p.Run(context.Background(), attempt(1))
	require.NoError(t, err)
	require.Len(t, out.Reviews, 2)
	assert.Equal(t, "r2", out.Reviews[1].VerifierID)
	assert.False(t, out.Reviews[1].Passed)
	assert.Contains(t, out.Reviews[1].Issues[0], "boom")
	assert.True(t, adj.calls[0].Disagreement)
	assert.Equal(t, StateRegenerate, out.Decision)
}

func TestPipeline_AdjudicatorRejection(t *testing.T) {
	newPipeline := func() *Pipeline {
		return NewPipeline(
			[]Verifier{&fakeVerifier{id: "r1", passed: false, issues: []string{"missing delete"}}, &fakeVerifier{id: "r2", passed: true}},
			&fakeAdjudicator{decision: model.Adjudication{Approved: false, Reason: "delete is required"}},
			&fakeScorer{grounding: 1, consistency: 1},
			DefaultConfig(),
		)
	}

	out, err := newPipeline().Run(context.Background(), attempt(1))
	require.NoError(t, err)
	assert.Equal(t, StateRegenerate, out.Decision)
	assert.Equal(t, []string{"missing delete", "adjudicator: delete is required"}, out.Issues)
	assert.Nil(t, out.Hallucination, "scoring is skipped after rejection")

	out, err = newPipeline().Run(context.Background(), attempt(3))
	require.NoError(t, err)
	assert.Equal(t, StateRejected, out.Decision)
}

func TestPipeline_HallucinationBelowThreshold(t *testing.T) {
	p := NewPipeline(
		[]Verifier{&fakeVerifier{id: "r1", passed: true}},
		&fakeAdjudicator{decision: model.Adjudication{Approved: true}},
		&fakeScorer{grounding: 0, consistency: 1},
		DefaultConfig(),
	)

	out, err := p.Run(context.Background(), attempt(2))
	require.NoError(t, err)
	assert.Equal(t, StateRegenerate, out.Decision)
	require.NotNil(t, out.Hallucination)
	assert.InDelta(t, 0.4, out.Hallucination.Combined, 1e-9)
	require.Len(t, out.Issues, 1)
	assert.Contains(t, out.Issues[0], "hallucination check failed")
}

func TestPipeline_OverridesAudited(t *testing.T) {
	adj := &fakeAdjudicator{decision: model.Adjudication{
		Approved:  true,
		Reason:    "r2 flagged a non-issue",
		Overrides: []model.Override{{VerifierID: "r2", From: false, To: true}},
	}}
	p := NewPipeline(
		[]Verifier{&fakeVerifier{id: "r1", passed: true}, &fakeVerifier{id: "r2", passed: false}},
		adj,
		&fakeScorer{grounding: 1, consistency: 1},
		DefaultConfig(),
	)

	out, err := p.Run(context.Background(), attempt(1))
	require.NoError(t, err)

	var found bool
	for _, e := range out.Audit {
		if e.From == string(StateAdjudicating) && e.To == string(StateAdjudicating) {
			found = true
			assert.Contains(t, e.Reason, "override r2: fail -> pass")
		}
	}
	assert.True(t, found)
}

func TestPipeline_StageErrors(t *testing.T) {
	p := NewPipeline(
		[]Verifier{&fakeVerifier{id: "r1", passed: true}},
		&fakeAdjudicator{err: errBoom},
		&fakeScorer{},
		DefaultConfig(),
	)
	_, err := p.Run(context.Background(), attempt(1))
	assert.ErrorIs(t, err, errBoom)

	p = NewPipeline(
		[]Verifier{&fakeVerifier{id: "r1", passed: true}},
		&fakeAdjudicator{decision: model.Adjudication{Approved: true}},
		&fakeScorer{err: errBoom},
		DefaultConfig(),
	)
	_, err = p.Run(context.Background(), attempt(1))
	assert.ErrorIs(t, err, errBoom)
}

func TestPipeline_ReviewersRunConcurrently(t *testing.T) {
	var started sync.WaitGroup
	started.Add(2)
	release := make(chan struct{})
	go func() {
		started.Wait()
		close(release)
	}()

	barrier := func() {
		started.Done()
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
	}

	p := NewPipeline(
		[]Verifier{
			&fakeVerifier{id: "r1", passed: true, hook: barrier},
			&fakeVerifier{id: "r2", passed: true, hook: barrier},
		},
		&fakeAdjudicator{decision: model.Adjudication{Approved: true}},
		&fakeScorer{grounding: 1, consistency: 1},
		DefaultConfig(),
	)

	start := time.Now()
	out, err := p.Run(context.Background(), attempt(1))
	require.NoError(t, err)
	assert.Equal(t, StateApproved, out.Decision)
	assert.Less(t, time.Since(start), time.Second, "reviewers must not run one after another")
}

func TestPipeline_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPipeline(
		[]Verifier{&fakeVerifier{id: "r1", passed: true}},
		&fakeAdjudicator{decision: model.Adjudication{Approved: true}},
		&fakeScorer{grounding: 1, consistency: 1},
		DefaultConfig(),
	)
	_, err := p.Run(ctx, attempt(1))
	assert.ErrorIs(t, err, context.Canceled)
}
