package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	planSession   string
	planLearnings []string
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Decide which learnings to inject into a new session",
	Long: `Split the candidate learnings for a session about to start into those
to inject and those to withhold for the ablation experiment.

The session is given its ordinal now; burn-in sessions inject everything.
Harness adapters call this before building the prompt and report the split
back in the session_start lineage.

Examples:
  assessor plan --session s-42 --learning L1 --learning L2
  assessor plan --session s-42 --learning L1,L2,L3 -o json`,
	Args: cobra.NoArgs,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVar(&planSession, "session", "", "Id of the session about to start")
	planCmd.Flags().StringSliceVar(&planLearnings, "learning", nil, "Candidate learning id (repeatable)")
	rootCmd.AddCommand(planCmd)
}

// planReport is the injection decision for one session.
type planReport struct {
	SessionID string   `json:"session_id"`
	Inject    []string `json:"inject"`
	Withhold  []string `json:"withhold"`
}

func runPlan(cmd *cobra.Command, args []string) error {
	if err := checkOutput(); err != nil {
		return err
	}
	if planSession == "" {
		return errors.New("--session is required")
	}
	ctx := cmd.Context()
	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	as, err := a.buildEngine(ctx)
	if err != nil {
		return err
	}
	inject, withhold := as.engine.PlanInjection(ctx, planSession, planLearnings)
	if err := as.shutdown(cfg.Background.TaskTimeout, logger); err != nil {
		return err
	}

	report := planReport{SessionID: planSession, Inject: nonNil(inject), Withhold: nonNil(withhold)}
	out := cmd.OutOrStdout()
	if jsonOutput() {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	return printPlan(out, report)
}

func printPlan(out io.Writer, r planReport) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "SESSION\t%s\n", r.SessionID)
	fmt.Fprintf(w, "INJECT\t%s\n", listOrDash(r.Inject))
	fmt.Fprintf(w, "WITHHOLD\t%s\n", listOrDash(r.Withhold))
	return w.Flush()
}

func listOrDash(ids []string) string {
	if len(ids) == 0 {
		return "-"
	}
	return strings.Join(ids, ", ")
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
