package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/buildforge/internal/model"
)

// jobRun writes one job's progress. Tracker errors are logged and never
// abort the build.
type jobRun struct {
	o     *Orchestrator
	ctx   context.Context
	jobID string
	step  int
	stage string
}

func (r *jobRun) warn(msg string, err error) {
	if err != nil {
		zap.L().Warn(msg, zap.String("job_id", r.jobID), zap.Int("step", r.step), zap.Error(err))
	}
}

// begin starts a stage with an active step; the previous step is completed.
func (r *jobRun) begin(title, detail string) {
	r.stage = title
	r.append(title, detail)
}

func (r *jobRun) append(title, detail string) {
	idx, err := r.o.tracker.AppendStep(r.ctx, r.jobID, title, detail)
	if err != nil {
		r.warn("orchestrator: append step", err)
		return
	}
	r.step = idx
}

func (r *jobRun) done(detail string) {
	r.warn("orchestrator: complete step", r.o.tracker.CompleteStep(r.ctx, r.jobID, r.step, detail))
}

func (r *jobRun) failed(detail string) {
	r.warn("orchestrator: fail step", r.o.tracker.FailStep(r.ctx, r.jobID, r.step, detail))
}

// notify records an executor event such as a failover as its own step, then
// resumes the current stage in a fresh step.
func (r *jobRun) notify(title, detail string) {
	r.append(title, detail)
	r.append(r.stage, "")
}

func (r *jobRun) status(s model.JobStatus) {
	r.warn("orchestrator: set status", r.o.tracker.SetStatus(r.ctx, r.jobID, s))
}

func (r *jobRun) attempt(n int) {
	r.warn("orchestrator: set attempt", r.o.tracker.SetAttempt(r.ctx, r.jobID, n))
}

func (r *jobRun) audit(entries []model.AuditEntry) {
	r.warn("orchestrator: append audit", r.o.tracker.AppendAudit(r.ctx, r.jobID, entries...))
}
