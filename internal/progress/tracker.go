// Package progress tracks build jobs and their append-only step logs.
package progress

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/buildforge/internal/model"
	"github.com/sells-group/buildforge/internal/store"
)

// Tracker errors.
var (
	ErrJobNotFound       = errors.New("progress: job not found")
	ErrStepNotFound      = errors.New("progress: step not found")
	ErrInvalidTransition = errors.New("progress: invalid transition")
)

// Recorder persists job documents. store.Store implements it.
type Recorder interface {
	SaveJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]model.Job, error)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithRecorder writes every mutation through to r and falls back to r for
// jobs that are not held in memory.
func WithRecorder(r Recorder) Option {
	return func(t *Tracker) { t.recorder = r }
}

// WithMaxJobs bounds the number of jobs held in memory. Finished jobs are
// evicted oldest first once the bound is exceeded; evicted jobs remain
// readable through the recorder. Zero means unbounded.
func WithMaxJobs(n int) Option {
	return func(t *Tracker) { t.maxJobs = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.nowFunc = now }
}

type entry struct {
	mu  sync.Mutex
	job *model.Job
}

// Tracker owns job state. Each job has its own lock; readers get copies.
type Tracker struct {
	mu       sync.RWMutex
	jobs     map[string]*entry
	order    []string
	recorder Recorder
	maxJobs  int
	nowFunc  func() time.Time
}

// New creates a Tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		jobs:    make(map[string]*entry),
		nowFunc: time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tracker) now() time.Time {
	return t.nowFunc().UTC()
}

// CreateJob registers a queued job and returns its ID.
func (t *Tracker) CreateJob(ctx context.Context, instruction string, opts model.BuildOptions) (string, error) {
	now := t.now()
	job := &model.Job{
		ID:          uuid.NewString(),
		Status:      model.JobStatusQueued,
		Instruction: instruction,
		Options:     opts,
		Steps:       []model.Step{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if t.recorder != nil {
		if err := t.recorder.SaveJob(ctx, job.Clone()); err != nil {
			return "", eris.Wrap(err, "progress: create job")
		}
	}

	t.mu.Lock()
	t.jobs[job.ID] = &entry{job: job}
	t.order = append(t.order, job.ID)
	t.evictLocked()
	t.mu.Unlock()

	zap.L().Debug("progress: job created", zap.String("job_id", job.ID))
	return job.ID, nil
}

// AppendStep completes the active step, if any, and appends a new active
// step. It returns the new step's index.
func (t *Tracker) AppendStep(ctx context.Context, jobID, title, detail string) (int, error) {
	var index int
	err := t.update(ctx, jobID, func(j *model.Job, now time.Time) error {
		for i := range j.Steps {
			if j.Steps[i].Status == model.StepStatusActive {
				j.Steps[i].Status = model.StepStatusComplete
				j.Steps[i].CompletedAt = &now
			}
		}
		index = len(j.Steps)
		j.Steps = append(j.Steps, model.Step{
			Index:     index,
			Title:     title,
			Detail:    detail,
			Status:    model.StepStatusActive,
			StartedAt: now,
		})
		return nil
	})
	return index, err
}

// CompleteStep marks an active step complete. A non-empty detail replaces
// the step's detail.
func (t *Tracker) CompleteStep(ctx context.Context, jobID string, index int, detail string) error {
	return t.finishStep(ctx, jobID, index, detail, model.StepStatusComplete)
}

// FailStep marks an active step as errored.
func (t *Tracker) FailStep(ctx context.Context, jobID string, index int, detail string) error {
	return t.finishStep(ctx, jobID, index, detail, model.StepStatusError)
}

func (t *Tracker) finishStep(ctx context.Context, jobID string, index int, detail string, to model.StepStatus) error {
	return t.update(ctx, jobID, func(j *model.Job, now time.Time) error {
		if index < 0 || index >= len(j.Steps) {
			return eris.Wrapf(ErrStepNotFound, "progress: job %s step %d", jobID, index)
		}
		s := &j.Steps[index]
		if s.Status != model.StepStatusActive {
			return eris.Wrapf(ErrInvalidTransition, "progress: step %d is %s", index, s.Status)
		}
		s.Status = to
		s.CompletedAt = &now
		if detail != "" {
			s.Detail = detail
		}
		return nil
	})
}

// SetStatus moves the job to a non-terminal status. Use SetResult and
// SetFailure to finish a job.
func (t *Tracker) SetStatus(ctx context.Context, jobID string, status model.JobStatus) error {
	if status.Terminal() {
		return eris.Wrapf(ErrInvalidTransition, "progress: %s is terminal", status)
	}
	return t.update(ctx, jobID, func(j *model.Job, _ time.Time) error {
		if j.Status.Terminal() {
			return eris.Wrapf(ErrInvalidTransition, "progress: job %s already %s", jobID, j.Status)
		}
		j.Status = status
		return nil
	})
}

// SetAttempt records the current attempt number.
func (t *Tracker) SetAttempt(ctx context.Context, jobID string, attempt int) error {
	return t.update(ctx, jobID, func(j *model.Job, _ time.Time) error {
		j.AttemptCount = attempt
		return nil
	})
}

// SetResult finishes the job as approved. The active step is completed.
func (t *Tracker) SetResult(ctx context.Context, jobID string, result model.BuildResult) error {
	return t.update(ctx, jobID, func(j *model.Job, now time.Time) error {
		if j.Status.Terminal() {
			return eris.Wrapf(ErrInvalidTransition, "progress: job %s already %s", jobID, j.Status)
		}
		closeActive(j, model.StepStatusComplete, now)
		j.Result = &result
		j.Status = model.JobStatusApproved
		return nil
	})
}

// SetFailure finishes the job as failed, or cancelled for
// model.FailureCancelled. The active step is marked errored.
func (t *Tracker) SetFailure(ctx context.Context, jobID string, reason model.FailureReason) error {
	return t.update(ctx, jobID, func(j *model.Job, now time.Time) error {
		if j.Status.Terminal() {
			return eris.Wrapf(ErrInvalidTransition, "progress: job %s already %s", jobID, j.Status)
		}
		closeActive(j, model.StepStatusError, now)
		j.Failure = &reason
		j.Status = model.JobStatusFailed
		if reason.Code == model.FailureCancelled {
			j.Status = model.JobStatusCancelled
		}
		return nil
	})
}

// AppendAudit adds verification transitions to the job's audit trail.
func (t *Tracker) AppendAudit(ctx context.Context, jobID string, entries ...model.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return t.update(ctx, jobID, func(j *model.Job, _ time.Time) error {
		j.Audit = append(j.Audit, entries...)
		return nil
	})
}

// Job returns a copy of the job.
func (t *Tracker) Job(ctx context.Context, jobID string) (*model.Job, error) {
	e, err := t.entry(ctx, jobID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

// Snapshot returns the client-facing view of a job. It does not mutate
// state, so repeated calls without intervening writes are identical.
func (t *Tracker) Snapshot(ctx context.Context, jobID string) (*Snapshot, error) {
	t.mu.RLock()
	e, ok := t.jobs[jobID]
	t.mu.RUnlock()
	if ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return NewSnapshot(e.job), nil
	}

	job, err := t.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(job), nil
}

// List returns job snapshots, newest first. With a recorder the listing
// comes from the store; otherwise from memory.
func (t *Tracker) List(ctx context.Context, filter store.JobFilter) ([]*Snapshot, error) {
	if t.recorder != nil {
		jobs, err := t.recorder.ListJobs(ctx, filter)
		if err != nil {
			return nil, eris.Wrap(err, "progress: list jobs")
		}
		out := make([]*Snapshot, 0, len(jobs))
		for i := range jobs {
			out = append(out, NewSnapshot(&jobs[i]))
		}
		return out, nil
	}

	t.mu.RLock()
	entries := make([]*entry, 0, len(t.jobs))
	for _, e := range t.jobs {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	var out []*Snapshot
	for _, e := range entries {
		e.mu.Lock()
		if filter.Status == "" || e.job.Status == filter.Status {
			out = append(out, NewSnapshot(e.job))
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].JobID < out[j].JobID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []*Snapshot{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	if out == nil {
		out = []*Snapshot{}
	}
	return out, nil
}

// update applies fn under the job's lock and writes the result through to
// the recorder. A failed write is logged; in-memory state stays
// authoritative.
func (t *Tracker) update(ctx context.Context, jobID string, fn func(j *model.Job, now time.Time) error) error {
	e, err := t.entry(ctx, jobID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := t.now()
	if err := fn(e.job, now); err != nil {
		return err
	}
	e.job.UpdatedAt = now

	if t.recorder != nil {
		if err := t.recorder.SaveJob(ctx, e.job.Clone()); err != nil {
			zap.L().Warn("progress: failed to persist job",
				zap.String("job_id", jobID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// entry returns the in-memory entry, loading it from the recorder if needed.
func (t *Tracker) entry(ctx context.Context, jobID string) (*entry, error) {
	t.mu.RLock()
	e, ok := t.jobs[jobID]
	t.mu.RUnlock()
	if ok {
		return e, nil
	}

	job, err := t.load(ctx, jobID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.jobs[jobID]; ok {
		return e, nil
	}
	e = &entry{job: job}
	t.jobs[jobID] = e
	t.order = append(t.order, jobID)
	t.evictLocked()
	return e, nil
}

func (t *Tracker) load(ctx context.Context, jobID string) (*model.Job, error) {
	if t.recorder == nil {
		return nil, eris.Wrapf(ErrJobNotFound, "progress: job %s", jobID)
	}
	job, err := t.recorder.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, eris.Wrapf(ErrJobNotFound, "progress: job %s", jobID)
		}
		return nil, eris.Wrapf(err, "progress: load job %s", jobID)
	}
	return job, nil
}

// evictLocked drops the oldest finished jobs while over the bound. Only
// jobs that can be reloaded from the recorder are dropped. t.mu must be
// held for writing.
func (t *Tracker) evictLocked() {
	if t.maxJobs <= 0 || t.recorder == nil || len(t.jobs) <= t.maxJobs {
		return
	}
	kept := t.order[:0]
	for _, id := range t.order {
		e, ok := t.jobs[id]
		if !ok {
			continue
		}
		if len(t.jobs) > t.maxJobs && e.mu.TryLock() {
			terminal := e.job.Status.Terminal()
			e.mu.Unlock()
			if terminal {
				delete(t.jobs, id)
				continue
			}
		}
		kept = append(kept, id)
	}
	t.order = kept
}

func closeActive(j *model.Job, to model.StepStatus, now time.Time) {
	for i := range j.Steps {
		if j.Steps[i].Status == model.StepStatusActive {
			j.Steps[i].Status = to
			j.Steps[i].CompletedAt = &now
		}
	}
}
