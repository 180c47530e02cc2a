package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-state/assessor/internal/adaptive"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/attribution"
)

var (
	valuesFlagged bool
	valuesSort    string
)

var valuesCmd = &cobra.Command{
	Use:   "values",
	Short: "List learning value estimates",
	Long: `List the aggregated value estimate of every learning with its source
layer, confidence and deprecation or review flags.

Sources:
  ablation  controlled withholding experiment (highest confidence)
  temporal  activation-to-outcome attribution
  prior     not enough evidence yet

Examples:
  assessor values
  assessor values --flagged
  assessor values --sort confidence -o json`,
	Args: cobra.NoArgs,
	RunE: runValues,
}

var paramsCmd = &cobra.Command{
	Use:   "params",
	Short: "List adaptive parameters",
	Long: `List the learned thresholds and rates with their current Beta belief.

Examples:
  assessor params
  assessor params -o json`,
	Args: cobra.NoArgs,
	RunE: runParams,
}

func init() {
	valuesCmd.Flags().BoolVar(&valuesFlagged, "flagged", false, "Only learnings flagged for removal or review")
	valuesCmd.Flags().StringVar(&valuesSort, "sort", "value", "Sort by: value, confidence, samples, id")
	rootCmd.AddCommand(valuesCmd)
	rootCmd.AddCommand(paramsCmd)
}

// #region values

func runValues(cmd *cobra.Command, args []string) error {
	if err := checkOutput(); err != nil {
		return err
	}
	a, err := openApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	vals, err := a.store.ListValues(cmd.Context())
	if err != nil {
		return err
	}
	vals = filterValues(vals, valuesFlagged)
	if err := sortValues(vals, valuesSort); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput() {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(vals)
	}
	printValues(out, vals)
	return nil
}

func filterValues(vals []attribution.LearningValue, flaggedOnly bool) []attribution.LearningValue {
	if !flaggedOnly {
		return vals
	}
	out := vals[:0]
	for _, v := range vals {
		if v.FlaggedForRemoval || v.FlaggedForReview {
			out = append(out, v)
		}
	}
	return out
}

func sortValues(vals []attribution.LearningValue, by string) error {
	var less func(a, b attribution.LearningValue) bool
	switch by {
	case "value":
		less = func(a, b attribution.LearningValue) bool { return a.EstimatedValue > b.EstimatedValue }
	case "confidence":
		less = func(a, b attribution.LearningValue) bool { return a.Confidence > b.Confidence }
	case "samples":
		less = func(a, b attribution.LearningValue) bool { return a.SampleCount > b.SampleCount }
	case "id":
		less = func(a, b attribution.LearningValue) bool { return a.LearningID < b.LearningID }
	default:
		return fmt.Errorf("unknown sort key %q", by)
	}
	sort.SliceStable(vals, func(i, j int) bool { return less(vals[i], vals[j]) })
	return nil
}

func printValues(out io.Writer, vals []attribution.LearningValue) {
	if len(vals) == 0 {
		fmt.Fprintln(out, "No learning values yet.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LEARNING\tVALUE\tCONFIDENCE\tSOURCE\tSAMPLES\tACTIVATION\tP-VALUE\tFLAGS")
	for _, v := range vals {
		pval := "-"
		if v.Ablation != nil {
			pval = fmt.Sprintf("%.4f", v.Ablation.PValue)
		}
		flags := ""
		switch {
		case v.FlaggedForRemoval:
			flags = "remove"
		case v.FlaggedForReview:
			flags = "review"
		}
		fmt.Fprintf(w, "%s\t%+.3f\t%.2f\t%s\t%d\t%.2f\t%s\t%s\n",
			v.LearningID, v.EstimatedValue, v.Confidence, v.Source, v.SampleCount, v.ActivationRate, pval, flags)
	}
	w.Flush()
}

// #endregion values

// #region params

// paramRow is one parameter in JSON output.
type paramRow struct {
	Key          string  `json:"key"`
	Value        float64 `json:"value"`
	Uncertainty  float64 `json:"uncertainty"`
	Observations int     `json:"observations"`
	Alpha        float64 `json:"alpha"`
	Beta         float64 `json:"beta"`
}

func runParams(cmd *cobra.Command, args []string) error {
	if err := checkOutput(); err != nil {
		return err
	}
	a, err := openApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// Materialize the well-known keys so untouched priors are listed too.
	for key := range adaptive.DefaultPriors() {
		a.registry.Get(key)
	}
	rows := paramRows(a.registry.Snapshot())
	out := cmd.OutOrStdout()
	if jsonOutput() {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tVALUE\tUNCERTAINTY\tOBSERVATIONS\tALPHA\tBETA")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%.4f\t%.4f\t%d\t%.2f\t%.2f\n",
			r.Key, r.Value, r.Uncertainty, r.Observations, r.Alpha, r.Beta)
	}
	return w.Flush()
}

func paramRows(named []adaptive.Named) []paramRow {
	rows := make([]paramRow, 0, len(named))
	for _, n := range named {
		rows = append(rows, paramRow{
			Key:          n.Key,
			Value:        n.Value,
			Uncertainty:  n.Uncertainty,
			Observations: n.Observations,
			Alpha:        n.Alpha,
			Beta:         n.Beta,
		})
	}
	return rows
}

// #endregion params
