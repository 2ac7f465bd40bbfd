package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/buildforge/internal/model"
	"github.com/sells-group/buildforge/internal/store"
)

var buildsCmd = &cobra.Command{
	Use:   "builds",
	Short: "Inspect build history",
	Long:  "Commands for listing, viewing, and summarizing persisted builds. Requires the sqlite or postgres store driver.",
}

// openHistory opens the job store or explains why history is unavailable.
func openHistory(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, eris.Errorf("build history requires the sqlite or postgres store driver (have %s)", cfg.Store.Driver)
	}
	return st, nil
}

// -- builds list --

var buildsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List builds",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openHistory(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		jobs, err := st.ListJobs(ctx, store.JobFilter{
			Status: model.JobStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "builds list")
		}

		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No builds found.")
			return nil
		}

		formatBuildsList(os.Stdout, jobs)
		return nil
	},
}

// -- builds show --

var buildsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show full details of a build",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openHistory(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		job, err := st.GetJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "builds show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

// -- builds stats --

var buildsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate build statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openHistory(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		jobs, err := st.ListJobs(ctx, store.JobFilter{Limit: 10000})
		if err != nil {
			return eris.Wrap(err, "builds stats")
		}

		var cutoff time.Time
		if since > 0 {
			cutoff = time.Now().Add(-since)
		}
		formatBuildStats(os.Stdout, computeBuildStats(jobs, cutoff))
		return nil
	},
}

func init() {
	buildsListCmd.Flags().String("status", "", "filter by status (queued, generating, verifying, approved, failed, ...)")
	buildsListCmd.Flags().Int("limit", 50, "max number of builds to display")

	buildsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	buildsCmd.AddCommand(buildsListCmd)
	buildsCmd.AddCommand(buildsShowCmd)
	buildsCmd.AddCommand(buildsStatsCmd)
	rootCmd.AddCommand(buildsCmd)
}

// buildStats holds aggregate statistics computed from a set of builds.
type buildStats struct {
	Total       int
	Approved    int
	Failed      int
	Cancelled   int
	Other       int
	ByCode      map[model.FailureCode]int
	AvgAttempts float64
	AvgDurSecs  float64
	CostUSD     float64
}

// computeBuildStats aggregates jobs created at or after cutoff. A zero
// cutoff includes everything.
func computeBuildStats(jobs []model.Job, cutoff time.Time) buildStats {
	s := buildStats{ByCode: make(map[model.FailureCode]int)}

	var totalDur time.Duration
	var durCount, attempts int

	for _, j := range jobs {
		if !cutoff.IsZero() && j.CreatedAt.Before(cutoff) {
			continue
		}
		s.Total++
		attempts += j.AttemptCount

		switch j.Status {
		case model.JobStatusApproved:
			s.Approved++
			totalDur += j.UpdatedAt.Sub(j.CreatedAt)
			durCount++
			if j.Result != nil {
				s.CostUSD += j.Result.CostUSD
			}
		case model.JobStatusFailed:
			s.Failed++
		case model.JobStatusCancelled:
			s.Cancelled++
		default:
			s.Other++
		}
		if j.Failure != nil {
			s.ByCode[j.Failure.Code]++
		}
	}

	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	if s.Total > 0 {
		s.AvgAttempts = float64(attempts) / float64(s.Total)
	}
	return s
}

// formatBuildsList writes a tabular list of builds to w.
func formatBuildsList(out io.Writer, jobs []model.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tINSTRUCTION\tSTATUS\tATTEMPTS\tFAILURE\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t-----------\t------\t--------\t-------\t-------\t--------")

	for _, j := range jobs {
		dur := j.UpdatedAt.Sub(j.CreatedAt).Round(time.Second).String()

		failure := ""
		if j.Failure != nil {
			failure = string(j.Failure.Code)
		}

		instr := truncateText(j.Instruction, 40)

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			truncateID(j.ID),
			instr,
			j.Status,
			j.AttemptCount,
			failure,
			j.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatBuildStats writes aggregate stats to w.
func formatBuildStats(out io.Writer, s buildStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total builds:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Approved:\t%d\n", s.Approved)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	for _, code := range []model.FailureCode{
		model.FailureQualityRejected,
		model.FailureNoProvider,
		model.FailureProviderExhausted,
		model.FailureFatalProvider,
		model.FailureSink,
		model.FailureInternal,
	} {
		if n := s.ByCode[code]; n > 0 {
			_, _ = fmt.Fprintf(w, "  %s:\t%d\n", code, n)
		}
	}
	_, _ = fmt.Fprintf(w, "Cancelled:\t%d\n", s.Cancelled)
	_, _ = fmt.Fprintf(w, "Other:\t%d\n", s.Other)
	if s.AvgAttempts > 0 {
		_, _ = fmt.Fprintf(w, "Avg attempts:\t%.2f\n", s.AvgAttempts)
	}
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_, _ = fmt.Fprintf(w, "Cost:\t$%.4f\n", s.CostUSD)
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
// truncateText shortens s to at most n runes, ending in "...".
func truncateText(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimRight(string(r[:n-3]), " ") + "..."
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
