package eval

import "github.com/danielpatrickdp/adaptive-state/assessor/internal/signals"

// #region eval-config
// EvalConfig weights the components of the heuristic session score.
type EvalConfig struct {
	BalanceWeight       float64 // weight of the positive/negative signal balance
	TrendWeight         float64 // weight of final success EMA minus frustration EMA
	InterventionPenalty float64 // subtracted per breaker intervention
	FeedbackWeight      float64 // share given to an explicit user rating when present
}

// DefaultEvalConfig returns production defaults.
func DefaultEvalConfig() EvalConfig {
	return EvalConfig{
		BalanceWeight:       0.35,
		TrendWeight:         0.15,
		InterventionPenalty: 0.1,
		FeedbackWeight:      0.7,
	}
}

// #endregion eval-config

// #region session-evidence
// SessionEvidence is what the heuristic scorer sees of an ended session.
type SessionEvidence struct {
	Signals          []signals.Signal
	Interventions    int
	FinalFrustration float64
	FinalSuccess     float64
	Feedback         *float64 // explicit rating in [0,1], if the user gave one
}

// #endregion session-evidence

// #region eval-metric
// EvalMetric captures a single scoring component.
type EvalMetric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// #endregion eval-metric

// #region eval-result
// EvalResult is the heuristic verdict on a session. Score is in [0,1].
type EvalResult struct {
	Score   float64      `json:"score"`
	Metrics []EvalMetric `json:"metrics"`
	Reason  string       `json:"reason"`
}

// #endregion eval-result
