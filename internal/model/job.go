package model

import "time"

// JobStatus represents the lifecycle state of a build job.
type JobStatus string

const (
	JobStatusQueued       JobStatus = "queued"
	JobStatusGenerating   JobStatus = "generating"
	JobStatusVerifying    JobStatus = "verifying"
	JobStatusApproved     JobStatus = "approved"
	JobStatusRegenerating JobStatus = "regenerating"
	JobStatusFailed       JobStatus = "failed"
	JobStatusCancelled    JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusApproved, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// StepStatus represents the state of a single progress step.
type StepStatus string

const (
	StepStatusActive   StepStatus = "active"
	StepStatusComplete StepStatus = "complete"
	StepStatusError    StepStatus = "error"
)

// BuildOptions are the caller-supplied flags for a build. Only Plan is
// interpreted by the orchestrator; the rest is carried through to the sink.
type BuildOptions struct {
	Plan        bool           `json:"plan,omitempty"`
	Enterprise  bool           `json:"enterprise,omitempty"`
	LivePreview bool           `json:"live_preview,omitempty"`
	Task        string         `json:"task,omitempty"` // selector profile name
	Extra       map[string]any `json:"extra,omitempty"`
}

// Step is one entry in a job's append-only progress log.
type Step struct {
	Index       int        `json:"index"`
	Title       string     `json:"title"`
	Detail      string     `json:"detail"`
	Status      StepStatus `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Elapsed returns the step duration, or false while the step is active.
func (s Step) Elapsed() (time.Duration, bool) {
	if s.CompletedAt == nil {
		return 0, false
	}
	return s.CompletedAt.Sub(s.StartedAt), true
}

// Job is a single build request from instruction to approved or failed output.
type Job struct {
	ID           string         `json:"id"`
	Status       JobStatus      `json:"status"`
	Instruction  string         `json:"instruction"`
	Options      BuildOptions   `json:"options"`
	Steps        []Step         `json:"steps"`
	AttemptCount int            `json:"attempt_count"`
	Result       *BuildResult   `json:"result,omitempty"`
	Failure      *FailureReason `json:"failure_reason,omitempty"`
	Audit        []AuditEntry   `json:"audit,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to readers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Steps = make([]Step, len(j.Steps))
	for i, s := range j.Steps {
		if s.CompletedAt != nil {
			t := *s.CompletedAt
			s.CompletedAt = &t
		}
		c.Steps[i] = s
	}
	if j.Audit != nil {
		c.Audit = append([]AuditEntry(nil), j.Audit...)
	}
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	if j.Failure != nil {
		f := *j.Failure
		f.Issues = append([]string(nil), j.Failure.Issues...)
		c.Failure = &f
	}
	return &c
}

// BuildResult is the approved output of a job.
type BuildResult struct {
	Code          string              `json:"code"`
	Provider      string              `json:"provider"`
	Model         string              `json:"model,omitempty"`
	Attempts      int                 `json:"attempts"`
	Plan          string              `json:"plan,omitempty"`
	Hallucination *HallucinationScore `json:"hallucination,omitempty"`
	Adjudication  *Adjudication       `json:"adjudication,omitempty"`
	CostUSD       float64             `json:"cost_usd"`
}

// FailureCode classifies why a job ended in failed or cancelled.
type FailureCode string

const (
	FailureQualityRejected   FailureCode = "QUALITY_REJECTED"
	FailureNoProvider        FailureCode = "NO_PROVIDER_AVAILABLE"
	FailureProviderExhausted FailureCode = "PROVIDER_EXHAUSTED"
	FailureFatalProvider     FailureCode = "FATAL_PROVIDER_ERROR"
	FailureCancelled         FailureCode = "CANCELLED"
	FailureSink              FailureCode = "SINK_FAILED"
	FailureInternal          FailureCode = "INTERNAL"
)

// FailureReason is the structured explanation attached to a failed job.
type FailureReason struct {
	Code          FailureCode         `json:"code"`
	Message       string              `json:"message"`
	EarliestReset *time.Time          `json:"earliest_reset,omitempty"`
	Issues        []string            `json:"issues,omitempty"`
	Scores        *HallucinationScore `json:"scores,omitempty"`
}
