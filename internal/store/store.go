// Package store persists build jobs and provider rate-limit records.
package store

import (
	"context"
	"errors"

	"github.com/sells-group/buildforge/internal/model"
)

// ErrNotFound is returned when a job does not exist.
var ErrNotFound = errors.New("store: not found")

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status model.JobStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

const defaultListLimit = 100

// Store defines the persistence interface for the orchestrator.
type Store interface {
	// Jobs. SaveJob upserts the whole job document.
	SaveJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)

	// Rate limits. SaveRateLimit never moves a reset time backwards.
	SaveRateLimit(ctx context.Context, rec model.RateLimitRecord) error
	LoadRateLimits(ctx context.Context) ([]model.RateLimitRecord, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
