package progress

import (
	"time"

	"github.com/sells-group/buildforge/internal/model"
)

// StepView is one step as reported to clients. ElapsedMS is serialized as
// "elapsed" in milliseconds and is set only for finished steps.
type StepView struct {
	Index     int              `json:"index"`
	Title     string           `json:"title"`
	Detail    string           `json:"detail"`
	Status    model.StepStatus `json:"status"`
	StartedAt time.Time        `json:"started_at"`
	ElapsedMS *int64           `json:"elapsed"`
}

// Snapshot is the client-facing view of a job.
type Snapshot struct {
	JobID        string               `json:"job_id"`
	Status       model.JobStatus      `json:"status"`
	Instruction  string               `json:"instruction"`
	AttemptCount int                  `json:"attempt_count"`
	Steps        []StepView           `json:"steps"`
	Result       *model.BuildResult   `json:"result"`
	Failure      *model.FailureReason `json:"failure_reason"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// NewSnapshot builds a Snapshot that shares no memory with j.
func NewSnapshot(j *model.Job) *Snapshot {
	c := j.Clone()
	s := &Snapshot{
		JobID:        c.ID,
		Status:       c.Status,
		Instruction:  c.Instruction,
		AttemptCount: c.AttemptCount,
		Steps:        make([]StepView, len(c.Steps)),
		Result:       c.Result,
		Failure:      c.Failure,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
	for i, st := range c.Steps {
		v := StepView{
			Index:     st.Index,
			Title:     st.Title,
			Detail:    st.Detail,
			Status:    st.Status,
			StartedAt: st.StartedAt,
		}
		if d, ok := st.Elapsed(); ok {
			ms := d.Milliseconds()
			v.ElapsedMS = &ms
		}
		s.Steps[i] = v
	}
	return s
}
