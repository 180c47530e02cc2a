package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-state/assessor/internal/events"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/replay"
)

var (
	replayVerbose bool
)

var replayCmd = &cobra.Command{
	Use:   "replay <fixture.json | events.jsonl>",
	Short: "Replay events through the per-event path",
	Long: `Replay an event stream through signal detection, the circuit breaker and
the checkpoint manager with fixed thresholds. Nothing is written and no
capability is called.

A .json fixture carries config overrides and expected interventions and
checkpoints; any divergence fails the command. A .jsonl file is replayed
with defaults and only summarized.

Examples:
  assessor replay internal/replay/testdata/correction_storm.json
  assessor replay --verbose session-42.jsonl
  assessor replay fixture.json -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().BoolVarP(&replayVerbose, "verbose", "v", false, "Print every event, not only interventions and checkpoints")
	rootCmd.AddCommand(replayCmd)
}

// replayReport is the JSON output of a replay.
type replayReport struct {
	Summary    replay.ReplaySummary  `json:"summary"`
	Results    []replay.ReplayResult `json:"results,omitempty"`
	Mismatches []string              `json:"mismatches,omitempty"`
}

func runReplay(cmd *cobra.Command, args []string) error {
	if err := checkOutput(); err != nil {
		return err
	}
	path := args[0]

	var (
		evs     []events.Event
		fixture *replay.Fixture
		rc      = replay.DefaultReplayConfig()
	)
	if strings.EqualFold(filepath.Ext(path), ".jsonl") {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer f.Close()
		skipped, err := events.DecodeJSONL(f, func(ev events.Event) error {
			evs = append(evs, ev)
			return nil
		})
		if err != nil {
			return err
		}
		if skipped > 0 {
			logger.Warn("skipped malformed lines", slog.String("path", path), slog.Int("skipped", skipped))
		}
	} else {
		fx, err := replay.LoadFixture(path)
		if err != nil {
			return err
		}
		if rc, err = fx.Config.ToReplayConfig(); err != nil {
			return fmt.Errorf("fixture %s: %w", path, err)
		}
		fixture, evs = fx, fx.Events
	}

	results := replay.Replay(evs, rc)
	report := replayReport{Summary: replay.Summarize(results)}
	if fixture != nil {
		for _, m := range fixture.Check(results) {
			report.Mismatches = append(report.Mismatches, m.String())
		}
	}

	out := cmd.OutOrStdout()
	if jsonOutput() {
		if replayVerbose {
			report.Results = results
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printReplay(out, results, report)
	}

	if len(report.Mismatches) > 0 {
		return fmt.Errorf("replay diverged from fixture in %d places", len(report.Mismatches))
	}
	return nil
}

func printReplay(out io.Writer, results []replay.ReplayResult, report replayReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EVENT\tSESSION\tACTION\tFRUSTRATION\tDETAIL")
	for _, r := range results {
		detail := r.Reason
		if r.Intervention != nil {
			detail = string(r.Intervention.Type) + " (" + string(r.Intervention.Condition) + ")"
		}
		if r.Checkpoint != nil {
			if detail != "" {
				detail += ", "
			}
			detail += fmt.Sprintf("checkpoint %s [%d..%d]", r.Checkpoint.Trigger, r.Checkpoint.FromIndex, r.Checkpoint.ToIndex)
		}
		if !replayVerbose && r.Intervention == nil && r.Checkpoint == nil && r.Action == "processed" {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.3f\t%s\n", r.EventID, r.SessionID, r.Action, r.Frustration, detail)
	}
	w.Flush()

	s := report.Summary
	fmt.Fprintf(out, "\n%d events, %d sessions, %d signals, %d interventions, %d checkpoints, %d duplicates, %d malformed\n",
		s.TotalEvents, s.Sessions, s.Signals, s.Interventions, s.Checkpoints, s.Duplicates, s.Malformed)
	for _, m := range report.Mismatches {
		fmt.Fprintf(out, "MISMATCH %s\n", m)
	}
}
