package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/buildforge/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "buildforge",
	Short: "Multi-provider code generation with verification",
	Long:  "Generates code from natural-language instructions across rate-limited LLM providers, verifies it with reviewers, an adjudicator and a hallucination scorer, and reports progress as append-only steps.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
