package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/buildforge/internal/model"
	"github.com/sells-group/buildforge/internal/progress"
)

const pollInterval = time.Second

var buildCmd = &cobra.Command{
	Use:   `build "<instruction>"`,
	Short: "Run a build in-process and stream its progress",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, cfg, "build")
		if err != nil {
			return err
		}
		defer env.Close()

		plan, _ := cmd.Flags().GetBool("plan")
		task, _ := cmd.Flags().GetString("task")
		instruction := strings.Join(args, " ")

		id, err := env.Orchestrator.Submit(ctx, instruction, model.BuildOptions{Plan: plan, Task: task})
		if err != nil {
			return eris.Wrap(err, "build")
		}
		fmt.Fprintf(os.Stderr, "job %s submitted\n", id)

		// Interrupts cancel the job; watchJob then reports the cancellation.
		go func() {
			<-ctx.Done()
			_ = env.Orchestrator.Cancel(id)
		}()

		snap, err := watchJob(context.WithoutCancel(ctx), env.Tracker, id, os.Stdout, pollInterval)
		if err != nil {
			return err
		}
		env.Orchestrator.Wait()

		printOutcome(os.Stdout, snap)
		if snap.Status != model.JobStatusApproved {
			return eris.Errorf("build %s", snap.Status)
		}
		return nil
	},
}

// snapshotter reads job progress. *progress.Tracker implements it.
type snapshotter interface {
	Snapshot(ctx context.Context, jobID string) (*progress.Snapshot, error)
}

// watchJob polls a job every interval, printing each step once when it
// first appears and again when it finishes, until the job is terminal.
func watchJob(ctx context.Context, jobs snapshotter, id string, out io.Writer, interval time.Duration) (*progress.Snapshot, error) {
	printed := make(map[int]model.StepStatus)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		snap, err := jobs.Snapshot(ctx, id)
		if err != nil {
			return nil, eris.Wrap(err, "watch job")
		}
		for _, st := range snap.Steps {
			if prev, ok := printed[st.Index]; ok && prev == st.Status {
				continue
			}
			printed[st.Index] = st.Status
			printStep(out, st)
		}
		if snap.Status.Terminal() {
			return snap, nil
		}

		select {
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), "watch job")
		case <-ticker.C:
		}
	}
}

func printStep(out io.Writer, st progress.StepView) {
	marker := "..."
	switch st.Status {
	case model.StepStatusComplete:
		marker = "ok"
	case model.StepStatusError:
		marker = "ERR"
	}
	line := fmt.Sprintf("[%d] %-3s %s", st.Index, marker, st.Title)
	if st.Detail != "" {
		line += ": " + st.Detail
	}
	if st.ElapsedMS != nil {
		line += fmt.Sprintf(" (%s)", (time.Duration(*st.ElapsedMS) * time.Millisecond).Round(10*time.Millisecond))
	}
	_, _ = fmt.Fprintln(out, line)
}

func printOutcome(out io.Writer, snap *progress.Snapshot) {
	_, _ = fmt.Fprintf(out, "\nstatus: %s (attempts: %d)\n", snap.Status, snap.AttemptCount)
	if f := snap.Failure; f != nil {
		_, _ = fmt.Fprintf(out, "failure: %s: %s\n", f.Code, f.Message)
		if f.EarliestReset != nil {
			_, _ = fmt.Fprintf(out, "earliest reset: %s\n", f.EarliestReset.Format(time.RFC3339))
		}
		for _, issue := range f.Issues {
			_, _ = fmt.Fprintf(out, "  - %s\n", issue)
		}
		return
	}
	if r := snap.Result; r != nil {
		_, _ = fmt.Fprintf(out, "provider: %s  model: %s  cost: $%.4f\n", r.Provider, r.Model, r.CostUSD)
		if r.Hallucination != nil {
			_, _ = fmt.Fprintf(out, "hallucination score: %.2f (grounding %.2f, consistency %.2f)\n",
				r.Hallucination.Combined, r.Hallucination.Grounding, r.Hallucination.Consistency)
		}
		_, _ = fmt.Fprintf(out, "\n%s\n", r.Code)
	}
}

func init() {
	buildCmd.Flags().Bool("plan", false, "run an architecture planning pass before generation")
	buildCmd.Flags().String("task", "", "selector profile used to order providers")
	rootCmd.AddCommand(buildCmd)
}
