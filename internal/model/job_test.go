package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJobStatusValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status   JobStatus
		want     string
		terminal bool
	}{
		{JobStatusQueued, "queued", false},
		{JobStatusGenerating, "generating", false},
		{JobStatusVerifying, "verifying", false},
		{JobStatusRegenerating, "regenerating", false},
		{JobStatusApproved, "approved", true},
		{JobStatusFailed, "failed", true},
		{JobStatusCancelled, "cancelled", true},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, string(tt.status))
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}

func TestStep_Elapsed(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := Step{StartedAt: start, Status: StepStatusActive}

	_, ok := s.Elapsed()
	assert.False(t, ok)

	done := start.Add(1500 * time.Millisecond)
	s.CompletedAt = &done
	d, ok := s.Elapsed()
	assert.True(t, ok)
	assert.Equal(t, 1500*time.Millisecond, d)
}

func TestJob_CloneIsDeep(t *testing.T) {
	done := time.Now()
	j := &Job{
		ID:      "job-1",
		Steps:   []Step{{Index: 0, Title: "a", CompletedAt: &done}},
		Failure: &FailureReason{Code: FailureQualityRejected, Issues: []string{"x"}},
	}

	c := j.Clone()
	c.Steps[0].Title = "changed"
	*c.Steps[0].CompletedAt = done.Add(time.Hour)
	c.Failure.Issues[0] = "y"

	assert.Equal(t, "a", j.Steps[0].Title)
	assert.Equal(t, done, *j.Steps[0].CompletedAt)
	assert.Equal(t, "x", j.Failure.Issues[0])
	assert.Nil(t, (*Job)(nil).Clone())
}

func TestNewHallucinationScore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		grounding   float64
		consistency float64
		combined    float64
		accepted    bool
	}{
		{"perfect", 1.0, 1.0, 1.0, true},
		{"no grounding, perfect consistency", 0.0, 1.0, 0.4, false},
		{"no grounding, no consistency", 0.0, 0.0, 0.0, false},
		{"exact threshold", 0.8, 0.8, 0.8, true},
		{"just below", 0.9, 0.6, 0.78, false},
		{"clamped inputs", 1.5, -0.2, 0.6, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := NewHallucinationScore(tt.grounding, tt.consistency, HallucinationThreshold)
			assert.InDelta(t, tt.combined, s.Combined, 1e-9)
			assert.Equal(t, tt.accepted, s.Accepted)
		})
	}
}

func TestHallucinationScore_GroundingDominates(t *testing.T) {
	for c := 0.0; c <= 1.0; c += 0.1 {
		s := NewHallucinationScore(0, c, HallucinationThreshold)
		assert.LessOrEqual(t, s.Combined, 0.4+1e-9)
		assert.False(t, s.Accepted)
	}
}

func TestTokenUsage_Add(t *testing.T) {
	u := TokenUsage{InputTokens: 10, OutputTokens: 5}
	u.Add(TokenUsage{InputTokens: 3, OutputTokens: 2})
	assert.Equal(t, int64(13), u.InputTokens)
	assert.Equal(t, int64(7), u.OutputTokens)
}
