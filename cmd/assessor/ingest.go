package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-state/assessor/internal/attribution"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/events"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/store"
)

var (
	ingestLearnings string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [files...]",
	Short: "Append JSONL events to the event log",
	Long: `Append session events, one JSON object per line, to the event log.

Reads stdin when no file (or "-") is given. Lines that do not decode or
fail validation are skipped and counted. Re-ingesting an event id is a
no-op, so harness adapters may resend safely.

--learnings upserts learning definitions (JSONL of {"id","content"}) so
activation detection can match assistant output against them.

Examples:
  assessor ingest session-42.jsonl
  tail -f hooks.jsonl | assessor ingest
  assessor ingest --learnings learnings.jsonl`,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestLearnings, "learnings", "", "JSONL file of learnings to upsert")
	rootCmd.AddCommand(ingestCmd)
}

// ingestStats is the ingest outcome.
type ingestStats struct {
	Appended  int `json:"appended"`
	Skipped   int `json:"skipped"`
	Learnings int `json:"learnings"`
}

func runIngest(cmd *cobra.Command, args []string) error {
	if err := checkOutput(); err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var stats ingestStats
	if ingestLearnings != "" {
		n, err := ingestLearningFile(ctx, a.store, ingestLearnings)
		if err != nil {
			return err
		}
		stats.Learnings = n
	}

	sources := args
	if len(sources) == 0 && ingestLearnings == "" {
		sources = []string{"-"}
	}
	for _, src := range sources {
		appended, skipped, err := ingestEventSource(ctx, a.log, src, cmd.InOrStdin())
		stats.Appended += appended
		stats.Skipped += skipped
		if err != nil {
			return err
		}
		if skipped > 0 {
			logger.Warn("skipped malformed events", slog.String("source", src), slog.Int("skipped", skipped))
		}
	}

	out := cmd.OutOrStdout()
	if jsonOutput() {
		return json.NewEncoder(out).Encode(stats)
	}
	fmt.Fprintf(out, "appended %d events, skipped %d, upserted %d learnings\n",
		stats.Appended, stats.Skipped, stats.Learnings)
	return nil
}

// ingestEventSource appends every valid event read from src ("-" is stdin).
func ingestEventSource(ctx context.Context, log *events.Log, src string, stdin io.Reader) (appended, skipped int, err error) {
	r := stdin
	if src != "-" {
		f, err := os.Open(src)
		if err != nil {
			return 0, 0, fmt.Errorf("open %s: %w", src, err)
		}
		defer f.Close()
		r = f
	}
	skipped, err = events.DecodeJSONL(r, func(ev events.Event) error {
		if _, err := log.Append(ctx, ev); err != nil {
			return fmt.Errorf("append event %s: %w", ev.ID, err)
		}
		appended++
		return nil
	})
	return appended, skipped, err
}

// ingestLearningFile upserts one learning per JSONL line.
func ingestLearningFile(ctx context.Context, st *store.Store, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var l attribution.Learning
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			return n, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		if l.ID == "" || l.Content == "" {
			return n, fmt.Errorf("%s:%d: learning needs id and content", path, line)
		}
		if err := st.UpsertLearning(ctx, l); err != nil {
			return n, err
		}
		n++
	}
	if err := sc.Err(); err != nil {
		return n, fmt.Errorf("scan %s: %w", path, err)
	}
	return n, nil
}
