package main

import (
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Consume the event log and assess sessions",
	Long: `Consume events appended to the log for the configured consumer group.

Every event runs through signal detection, the circuit breaker and the
checkpoint manager before the next event of its session. Checkpoint
summaries and end-of-session assessments run in the background.

SIGINT or SIGTERM stops polling, finishes the batch in flight, commits its
offset and waits for background assessments up to the task timeout.

Examples:
  assessor run
  assessor run --config assessor.yaml
  ASSESSOR_CONSUMER_GROUP=shadow assessor run`,
	Args: cobra.NoArgs,
	RunE: runEngine,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runEngine(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	as, err := a.buildEngine(ctx)
	if err != nil {
		return err
	}
	logger.Info("assessor ready",
		slog.String("database", cfg.Database),
		slog.String("group", cfg.ConsumerGroup),
		slog.String("backend", cfg.Capability.Backend))

	runErr := as.engine.Run(ctx, a.log)
	return errors.Join(runErr, as.shutdown(cfg.Background.TaskTimeout, logger))
}
