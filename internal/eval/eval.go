package eval

import (
	"fmt"

	"github.com/danielpatrickdp/adaptive-state/assessor/internal/capability"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/signals"
)

// #region eval-harness
// EvalHarness scores ended sessions from their signal history without any
// model calls.
type EvalHarness struct {
	config EvalConfig
}

// NewEvalHarness creates an eval harness with the given configuration.
func NewEvalHarness(config EvalConfig) *EvalHarness {
	return &EvalHarness{config: config}
}

// Run produces a score in [0,1] where 0.5 is a session with no evidence
// either way.
func (h *EvalHarness) Run(ev SessionEvidence) EvalResult {
	var pos, neg float64
	for _, s := range ev.Signals {
		switch s.Polarity {
		case signals.Positive:
			pos += s.Weight
		case signals.Negative:
			neg += s.Weight
		}
	}
	balance := 0.0
	if pos+neg > 0 {
		balance = (pos - neg) / (pos + neg)
	}
	trend := ev.FinalSuccess - ev.FinalFrustration
	penalty := h.config.InterventionPenalty * float64(ev.Interventions)

	heuristic := clamp(0.5 + h.config.BalanceWeight*balance + h.config.TrendWeight*trend - penalty)
	metrics := []EvalMetric{
		{Name: "positive_weight", Value: pos},
		{Name: "negative_weight", Value: neg},
		{Name: "balance", Value: balance},
		{Name: "ema_trend", Value: trend},
		{Name: "intervention_penalty", Value: penalty},
	}

	score := heuristic
	reason := fmt.Sprintf("signals: balance=%.2f trend=%.2f interventions=%d", balance, trend, ev.Interventions)
	if ev.Feedback != nil {
		rating := clamp(*ev.Feedback)
		score = clamp(h.config.FeedbackWeight*rating + (1-h.config.FeedbackWeight)*heuristic)
		metrics = append(metrics, EvalMetric{Name: "feedback", Value: rating})
		reason = fmt.Sprintf("feedback=%.2f, %s", rating, reason)
	}

	return EvalResult{Score: score, Metrics: metrics, Reason: reason}
}

// #endregion eval-harness

// #region blend
// Blend combines the heuristic score with a model analysis, trusting the
// model in proportion to its stated confidence.
func Blend(heuristic float64, analysis *capability.Analysis) float64 {
	if analysis == nil {
		return clamp(heuristic)
	}
	a := analysis.Normalize()
	return clamp(a.Confidence*a.Outcome + (1-a.Confidence)*heuristic)
}

// #endregion blend

// #region helpers
func clamp(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// #endregion helpers
