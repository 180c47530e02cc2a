package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-state/assessor/internal/config"
)

// #region root

var (
	// Global flags
	cfgFile  string
	dbPath   string
	logLevel string
	output   string

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "assessor",
	Short: "Adaptive assessment and attribution engine",
	Long: `assessor consumes session event streams from coding assistants, detects
user frustration and success signals, intervenes when a session goes wrong
and attributes session outcomes to the learnings injected into it.

Commands:
  run      Consume the event log and assess sessions
  ingest   Append JSONL events (and learnings) to the event log
  replay   Replay a fixture through the per-event path
  values   List learning value estimates
  params   List adaptive parameters`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if dbPath != "" {
			loaded.Database = dbPath
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
		}
		cfg = loaded
		logger = newLogger(cmd.ErrOrStderr(), cfg.Log)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: $ASSESSOR_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format (table, json)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// #endregion root

// #region logger

// newLogger builds the process logger from the log settings.
func newLogger(w io.Writer, lc config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(lc.Level)}
	if strings.EqualFold(lc.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// #endregion logger

// #region output

func jsonOutput() bool { return strings.EqualFold(output, "json") }

func checkOutput() error {
	switch strings.ToLower(output) {
	case "table", "json":
		return nil
	}
	return fmt.Errorf("unknown output format %q (want table or json)", output)
}

// #endregion output
