package main

import (
	"bytes"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/buildforge/internal/model"
)

func TestFormatBuildsList(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	jobs := []model.Job{
		{
			ID:           "abc12345-6789-0000-0000-000000000000",
			Instruction:  "Build a todo app with a REST API and a sqlite backend",
			Status:       model.JobStatusApproved,
			AttemptCount: 1,
			CreatedAt:    now,
			UpdatedAt:    now.Add(2 * time.Minute),
		},
		{
			ID:           "def12345-6789-0000-0000-000000000000",
			Instruction:  "Add auth",
			Status:       model.JobStatusFailed,
			AttemptCount: 3,
			Failure:      &model.FailureReason{Code: model.FailureQualityRejected},
			CreatedAt:    now.Add(-1 * time.Hour),
			UpdatedAt:    now.Add(-30 * time.Minute),
		},
	}

	var buf bytes.Buffer
	formatBuildsList(&buf, jobs)

	out := buf.String()
	assert.Contains(t, out, "INSTRUCTION")
	assert.Contains(t, out, "abc12345")
	assert.Contains(t, out, "Build a todo app with a REST API and...")
	assert.Contains(t, out, "approved")
	assert.Contains(t, out, "QUALITY_REJECTED")
	assert.Contains(t, out, "2025-06-15 10:30")
	assert.Contains(t, out, "2m0s")
}

func TestTruncateText(t *testing.T) {
	assert.Equal(t, "Add auth", truncateText("Add auth", 40))
	assert.Equal(t, "Build a todo app with a REST API and...",
		truncateText("Build a todo app with a REST API and a sqlite backend", 40))

	got := truncateText("Créer une application de tâches avec une API REST complète", 40)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "Créer une application de tâches avec...", got)
	assert.LessOrEqual(t, utf8.RuneCountInString(got), 40)
}

func TestComputeBuildStats(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	jobs := []model.Job{
		{Status: model.JobStatusApproved, AttemptCount: 1, CreatedAt: now, UpdatedAt: now.Add(10 * time.Second), Result: &model.BuildResult{CostUSD: 0.5}},
		{Status: model.JobStatusApproved, AttemptCount: 3, CreatedAt: now, UpdatedAt: now.Add(30 * time.Second), Result: &model.BuildResult{CostUSD: 0.25}},
		{Status: model.JobStatusFailed, AttemptCount: 3, CreatedAt: now, Failure: &model.FailureReason{Code: model.FailureQualityRejected}},
		{Status: model.JobStatusCancelled, CreatedAt: now, Failure: &model.FailureReason{Code: model.FailureCancelled}},
		{Status: model.JobStatusGenerating, AttemptCount: 1, CreatedAt: now},
		{Status: model.JobStatusFailed, CreatedAt: now.Add(-72 * time.Hour)},
	}

	s := computeBuildStats(jobs, now.Add(-24*time.Hour))
	assert.Equal(t, 5, s.Total)
	assert.Equal(t, 2, s.Approved)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Cancelled)
	assert.Equal(t, 1, s.Other)
	assert.Equal(t, 1, s.ByCode[model.FailureQualityRejected])
	assert.InDelta(t, 20.0, s.AvgDurSecs, 1e-9)
	assert.InDelta(t, 8.0/5.0, s.AvgAttempts, 1e-9)
	assert.InDelta(t, 0.75, s.CostUSD, 1e-9)

	all := computeBuildStats(jobs, time.Time{})
	assert.Equal(t, 6, all.Total)
}

func TestFormatBuildStats(t *testing.T) {
	var buf bytes.Buffer
	formatBuildStats(&buf, buildStats{
		Total:       4,
		Approved:    2,
		Failed:      2,
		ByCode:      map[model.FailureCode]int{model.FailureNoProvider: 2},
		AvgAttempts: 1.5,
		AvgDurSecs:  12.34,
		CostUSD:     1.5,
	})

	out := buf.String()
	assert.Contains(t, out, "Total builds:")
	assert.Contains(t, out, "NO_PROVIDER_AVAILABLE:")
	assert.NotContains(t, out, "QUALITY_REJECTED")
	assert.Contains(t, out, "Avg attempts:")
	assert.Contains(t, out, "12.3s")
	assert.Contains(t, out, "$1.5000")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789"))
	assert.Equal(t, "short", truncateID("short"))
}
