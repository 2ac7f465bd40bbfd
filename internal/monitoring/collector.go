// Package monitoring collects job and provider metrics and raises alerts
// when thresholds are breached.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/buildforge/internal/model"
	"github.com/sells-group/buildforge/internal/progress"
	"github.com/sells-group/buildforge/internal/store"
)

// maxCollectedJobs bounds a single collection pass.
const maxCollectedJobs = 10000

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Job metrics (within lookback window).
	JobsTotal        int                       `json:"jobs_total"`
	JobsApproved     int                       `json:"jobs_approved"`
	JobsFailed       int                       `json:"jobs_failed"`
	JobsCancelled    int                       `json:"jobs_cancelled"`
	JobsActive       int                       `json:"jobs_active"`
	FailRate         float64                   `json:"fail_rate"`
	CostUSD          float64                   `json:"cost_usd"`
	AvgAttempts      float64                   `json:"avg_attempts"`
	AvgHallucination float64                   `json:"avg_hallucination"`
	FailureCodes     map[model.FailureCode]int `json:"failure_codes"`

	// Provider metrics (current).
	ProvidersTotal     int `json:"providers_total"`
	ProvidersAvailable int `json:"providers_available"`
	ProvidersLimited   int `json:"providers_limited"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// JobLister lists job snapshots. *progress.Tracker implements it.
type JobLister interface {
	List(ctx context.Context, filter store.JobFilter) ([]*progress.Snapshot, error)
}

// ProviderStater reports provider availability. *selector.Selector
// implements it.
type ProviderStater interface {
	States() []model.ProviderState
}

// Collector gathers metrics from the job tracker and the provider selector.
type Collector struct {
	jobs      JobLister
	providers ProviderStater
	nowFunc   func() time.Time
}

// NewCollector creates a new metrics collector. providers may be nil.
func NewCollector(jobs JobLister, providers ProviderStater) *Collector {
	return &Collector{jobs: jobs, providers: providers, nowFunc: time.Now}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.nowFunc().UTC()
	snap := &MetricsSnapshot{
		FailureCodes:  map[model.FailureCode]int{},
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	jobs, err := c.jobs.List(ctx, store.JobFilter{Limit: maxCollectedJobs})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list jobs")
	}

	var attempts int
	var hallucination float64
	var scored int
	for _, j := range jobs {
		if lookbackHours > 0 && j.CreatedAt.Before(cutoff) {
			continue
		}
		snap.JobsTotal++
		attempts += j.AttemptCount

		switch j.Status {
		case model.JobStatusApproved:
			snap.JobsApproved++
		case model.JobStatusFailed:
			snap.JobsFailed++
		case model.JobStatusCancelled:
			snap.JobsCancelled++
		default:
			snap.JobsActive++
		}
		if j.Failure != nil {
			snap.FailureCodes[j.Failure.Code]++
		}
		if j.Result != nil {
			snap.CostUSD += j.Result.CostUSD
			if j.Result.Hallucination != nil {
				hallucination += j.Result.Hallucination.Combined
				scored++
			}
		}
	}

	finished := snap.JobsApproved + snap.JobsFailed
	if finished > 0 {
		snap.FailRate = float64(snap.JobsFailed) / float64(finished)
	}
	if snap.JobsTotal > 0 {
		snap.AvgAttempts = float64(attempts) / float64(snap.JobsTotal)
	}
	if scored > 0 {
		snap.AvgHallucination = hallucination / float64(scored)
	}

	if c.providers != nil {
		for _, p := range c.providers.States() {
			snap.ProvidersTotal++
			switch {
			case p.Available && p.HasCredential:
				snap.ProvidersAvailable++
			case p.ResetAt != nil:
				snap.ProvidersLimited++
			}
		}
	}

	return snap, nil
}
