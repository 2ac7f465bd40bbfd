package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/buildforge/internal/model"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Inspect generation providers",
}

var providersStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show provider availability and rate-limit resets",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("providers"); err != nil {
			return err
		}
		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		if st != nil {
			defer st.Close() //nolint:errcheck
		}
		limits, err := initLimits(ctx, cfg, st)
		if err != nil {
			return err
		}

		keys := make(map[string]bool, len(cfg.Providers))
		for _, p := range cfg.Providers {
			keys[p.ID] = p.APIKey != ""
		}
		formatProviderStatus(os.Stdout, limits.Status(), keys)
		return nil
	},
}

// formatProviderStatus writes a table of provider availability to out.
func formatProviderStatus(out io.Writer, status map[string]model.ProviderStatus, keys map[string]bool) {
	ids := make([]string, 0, len(status))
	for id := range status {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PROVIDER\tAVAILABLE\tKEY\tRESET_AT\tREMAINING")
	_, _ = fmt.Fprintln(w, "--------\t---------\t---\t--------\t---------")
	for _, id := range ids {
		s := status[id]
		reset, remaining := "-", "-"
		if s.ResetAt != nil {
			reset = s.ResetAt.UTC().Format(time.RFC3339)
			remaining = (time.Duration(s.SecondsRemaining) * time.Second).String()
		}
		key := "no"
		if keys[id] {
			key = "yes"
		}
		_, _ = fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\n", id, s.Available, key, reset, remaining)
	}
	_ = w.Flush()
}

func init() {
	providersCmd.AddCommand(providersStatusCmd)
	rootCmd.AddCommand(providersCmd)
}
