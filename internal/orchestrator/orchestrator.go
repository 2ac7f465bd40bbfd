// Package orchestrator drives build jobs end to end: optional planning,
// generation with failover, verification and bounded regeneration.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/buildforge/internal/executor"
	"github.com/sells-group/buildforge/internal/model"
	"github.com/sells-group/buildforge/internal/progress"
	"github.com/sells-group/buildforge/internal/prompt"
	"github.com/sells-group/buildforge/internal/provider"
	"github.com/sells-group/buildforge/internal/sink"
	"github.com/sells-group/buildforge/internal/verify"
)

// Defaults for Config zero values.
const (
	DefaultMaxAttempts       = 3
	DefaultMaxConcurrentJobs = 4
)

// Orchestrator errors.
var (
	ErrCancelled  = errors.New("orchestrator: job cancelled")
	ErrNotRunning = errors.New("orchestrator: job not running")
)

// Orderer resolves a task's provider preference list. *selector.Selector
// implements it.
type Orderer interface {
	Order(task string) []string
}

// Verifier runs the verification pipeline on one attempt.
// *verify.Pipeline implements it.
type Verifier interface {
	Run(ctx context.Context, a verify.Attempt) (*verify.Outcome, error)
}

// Config tunes the orchestrator.
type Config struct {
	MaxAttempts       int
	MaxConcurrentJobs int
	GenerationParams  provider.Params
	PlanningParams    provider.Params
}

// Orchestrator runs jobs. Submitted jobs run on their own goroutines,
// bounded by MaxConcurrentJobs.
type Orchestrator struct {
	tracker  *progress.Tracker
	orderer  Orderer
	gen      verify.Generator
	verifier Verifier
	sink     sink.Sink
	cfg      Config
	sem      chan struct{}

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	running map[string]*handle
}

// handle is the cancellation state of one running job.
type handle struct {
	cancel    context.CancelFunc
	requested bool
}

// New creates an Orchestrator. A nil sink logs deliveries.
func New(tracker *progress.Tracker, orderer Orderer, gen verify.Generator, verifier Verifier, out sink.Sink, cfg Config) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if out == nil {
		out = sink.LogSink{}
	}
	base, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		tracker:    tracker,
		orderer:    orderer,
		gen:        gen,
		verifier:   verifier,
		sink:       out,
		cfg:        cfg,
		sem:        make(chan struct{}, cfg.MaxConcurrentJobs),
		baseCtx:    base,
		cancelBase: cancel,
		running:    make(map[string]*handle),
	}
}

// Submit creates a job and runs it in the background. The job outlives
// ctx; use Cancel to stop it.
func (o *Orchestrator) Submit(ctx context.Context, instruction string, opts model.BuildOptions) (string, error) {
	id, err := o.tracker.CreateJob(ctx, instruction, opts)
	if err != nil {
		return "", eris.Wrap(err, "orchestrator: submit")
	}

	jobCtx := o.register(o.baseCtx, id)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.run(jobCtx, id); err != nil {
			zap.L().Debug("orchestrator: job ended with error", zap.String("job_id", id), zap.Error(err))
		}
	}()
	return id, nil
}

// Run drives an existing job to completion on the calling goroutine.
// Cancelling ctx cancels the job. The returned error is nil only when the
// job is approved.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	jobCtx := o.register(ctx, jobID)
	stop := context.AfterFunc(o.baseCtx, func() { _ = o.Cancel(jobID) })
	defer stop()
	return o.run(jobCtx, jobID)
}

// Cancel requests cancellation of a queued or running job. The job stops
// at the next stage boundary, or sooner if an in-flight call honors its
// context.
func (o *Orchestrator) Cancel(jobID string) error {
	o.mu.Lock()
	h, ok := o.running[jobID]
	if ok {
		h.requested = true
	}
	o.mu.Unlock()
	if !ok {
		return eris.Wrapf(ErrNotRunning, "orchestrator: cancel %s", jobID)
	}
	h.cancel()
	zap.L().Info("orchestrator: cancellation requested", zap.String("job_id", jobID))
	return nil
}

// Wait blocks until every submitted job has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown cancels all jobs and waits for them, or until ctx is done.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancelBase()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "orchestrator: shutdown")
	}
}

func (o *Orchestrator) register(parent context.Context, jobID string) context.Context {
	ctx, cancel := context.WithCancel(parent)
	o.mu.Lock()
	o.running[jobID] = &handle{cancel: cancel}
	o.mu.Unlock()
	return ctx
}

func (o *Orchestrator) unregister(jobID string) {
	o.mu.Lock()
	if h, ok := o.running[jobID]; ok {
		h.cancel()
		delete(o.running, jobID)
	}
	o.mu.Unlock()
}

// checkpoint reports ErrCancelled at a stage boundary.
func (o *Orchestrator) checkpoint(ctx context.Context, jobID string) error {
	o.mu.Lock()
	h, ok := o.running[jobID]
	requested := ok && h.requested
	o.mu.Unlock()
	if requested || ctx.Err() != nil {
		return ErrCancelled
	}
	return nil
}

// run acquires a slot, executes the job and records its terminal state.
func (o *Orchestrator) run(ctx context.Context, jobID string) error {
	defer o.unregister(jobID)

	// Terminal state is recorded even after cancellation.
	recordCtx := context.WithoutCancel(ctx)
	log := zap.L().With(zap.String("job_id", jobID))

	select {
	case o.sem <- struct{}{}:
		defer func() { <-o.sem }()
	case <-ctx.Done():
		o.fail(recordCtx, jobID, ErrCancelled)
		return ErrCancelled
	}

	job, err := o.tracker.Job(recordCtx, jobID)
	if err != nil {
		return eris.Wrap(err, "orchestrator: load job")
	}

	start := time.Now()
	r := &jobRun{o: o, ctx: recordCtx, jobID: jobID, step: -1}
	result, err := o.execute(ctx, r, job)
	if err != nil {
		reason := o.fail(recordCtx, jobID, err)
		log.Warn("orchestrator: job failed",
			zap.String("code", string(reason.Code)),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return err
	}

	if err := o.tracker.SetResult(recordCtx, jobID, *result); err != nil {
		return eris.Wrap(err, "orchestrator: record result")
	}
	log.Info("orchestrator: job approved",
		zap.String("provider", result.Provider),
		zap.Int("attempts", result.Attempts),
		zap.Float64("cost_usd", result.CostUSD),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// execute is the job state machine: plan, then generate and verify until
// approved or out of attempts.
func (o *Orchestrator) execute(ctx context.Context, r *jobRun, job *model.Job) (*model.BuildResult, error) {
	order := o.orderer.Order(job.Options.Task)
	var costUSD float64

	var plan string
	if job.Options.Plan {
		if err := o.checkpoint(ctx, r.jobID); err != nil {
			return nil, err
		}
		r.begin("Planning architecture", "")
		res, err := o.gen.Execute(ctx, executor.Call{
			System: prompt.PlanningSystem,
			Prompt: prompt.Planning(job.Instruction),
			Order:  order,
			Params: o.cfg.PlanningParams,
			Notify: r.notify,
		})
		if err != nil {
			return nil, eris.Wrap(err, "orchestrator: plan")
		}
		costUSD += res.CostUSD
		plan = strings.TrimSpace(res.Text)
		r.done(fmt.Sprintf("plan drafted by %s", res.Provider))
	}

	var (
		issues    []string
		last      *verify.Outcome
		preferred string
	)
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		if err := o.checkpoint(ctx, r.jobID); err != nil {
			return nil, err
		}

		status := model.JobStatusGenerating
		userPrompt := prompt.Generation(job.Instruction, plan)
		if attempt > 1 {
			status = model.JobStatusRegenerating
			userPrompt = prompt.Strict(job.Instruction, plan, issues)
		}
		r.status(status)
		r.attempt(attempt)

		r.begin(fmt.Sprintf("Generating code (attempt %d/%d)", attempt, o.cfg.MaxAttempts), "")
		res, err := o.gen.Execute(ctx, executor.Call{
			System:     prompt.GenerationSystem,
			Prompt:     userPrompt,
			ProviderID: preferred,
			Order:      order,
			Params:     o.cfg.GenerationParams,
			Notify:     r.notify,
		})
		if err != nil {
			return nil, eris.Wrap(err, "orchestrator: generate")
		}
		preferred = res.Provider
		costUSD += res.CostUSD
		code := prompt.StripCodeFences(res.Text)
		r.done(fmt.Sprintf("generated by %s in %s", res.Provider, res.Duration.Round(time.Millisecond)))

		if err := o.checkpoint(ctx, r.jobID); err != nil {
			return nil, err
		}
		r.status(model.JobStatusVerifying)
		r.begin(fmt.Sprintf("Verifying (attempt %d/%d)", attempt, o.cfg.MaxAttempts), "reviewers, adjudicator, hallucination check")

		out, err := o.verifier.Run(ctx, verify.Attempt{
			Number:      attempt,
			MaxAttempts: o.cfg.MaxAttempts,
			Spec:        job.Instruction,
			Prompt:      userPrompt,
			System:      prompt.GenerationSystem,
			Context:     plan,
			Code:        code,
		})
		if err != nil {
			return nil, eris.Wrap(err, "orchestrator: verify")
		}
		r.audit(out.Audit)
		last = out

		if out.Decision == verify.StateApproved {
			r.done(outcomeSummary(out))

			if err := o.checkpoint(ctx, r.jobID); err != nil {
				return nil, err
			}
			result := &model.BuildResult{
				Code:          code,
				Provider:      res.Provider,
				Model:         res.Model,
				Attempts:      attempt,
				Plan:          plan,
				Hallucination: out.Hallucination,
				Adjudication:  out.Adjudication,
				CostUSD:       costUSD,
			}
			r.begin("Delivering artifact", "")
			if err := o.sink.Deliver(ctx, sink.Artifact{
				JobID:    r.jobID,
				Code:     code,
				Metadata: artifactMetadata(job, result),
			}); err != nil {
				return nil, &sinkError{err: err}
			}
			return result, nil
		}

		r.failed(outcomeSummary(out))
		issues = out.Issues
	}

	return nil, &qualityError{outcome: last, attempts: o.cfg.MaxAttempts}
}

// fail records the terminal failure for err and returns the reason.
func (o *Orchestrator) fail(ctx context.Context, jobID string, err error) model.FailureReason {
	reason := FailureFor(err)
	if serr := o.tracker.SetFailure(ctx, jobID, reason); serr != nil {
		zap.L().Warn("orchestrator: failed to record failure", zap.String("job_id", jobID), zap.Error(serr))
	}
	return reason
}

func outcomeSummary(out *verify.Outcome) string {
	passed := 0
	for _, rv := range out.Reviews {
		if rv.Passed {
			passed++
		}
	}
	s := fmt.Sprintf("%s: reviewers %d/%d", out.Decision, passed, len(out.Reviews))
	if out.Adjudication != nil && !out.Adjudication.Skipped {
		verdict := "rejected"
		if out.Adjudication.Approved {
			verdict = "approved"
		}
		s += ", adjudicator " + verdict
	}
	if h := out.Hallucination; h != nil {
		s += fmt.Sprintf(", hallucination %.2f", h.Combined)
	}
	return s
}

func artifactMetadata(job *model.Job, res *model.BuildResult) map[string]any {
	md := map[string]any{
		"instruction":  job.Instruction,
		"provider":     res.Provider,
		"model":        res.Model,
		"attempts":     res.Attempts,
		"cost_usd":     res.CostUSD,
		"enterprise":   job.Options.Enterprise,
		"live_preview": job.Options.LivePreview,
	}
	if res.Hallucination != nil {
		md["hallucination"] = res.Hallucination.Combined
	}
	for k, v := range job.Options.Extra {
		if _, taken := md[k]; !taken {
			md[k] = v
		}
	}
	return md
}
