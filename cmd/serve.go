package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/buildforge/internal/api"
	"github.com/sells-group/buildforge/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the build API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, cfg, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(env.Collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			go checker.Run(ctx)
		}

		handler := api.NewRouter(api.Deps{
			Builder:       env.Orchestrator,
			Jobs:          env.Tracker,
			Limits:        env.Limits,
			Metrics:       env.Collector,
			LookbackHours: cfg.Monitoring.LookbackWindowHours,
			CORSOrigins:   cfg.Server.CORSOrigins,
		})

		serveErr := api.ListenAndServe(ctx, handler, resolvePort(servePort, cfg.Server.Port))

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := env.Orchestrator.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("jobs did not stop before shutdown deadline", zap.Error(err))
		}
		return serveErr
	},
}

// resolvePort prefers the flag value over the configured port.
func resolvePort(flagPort, cfgPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return cfgPort
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
