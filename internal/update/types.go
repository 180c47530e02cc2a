package update

import (
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/attribution"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/breaker"
)

// #region signals
// Signals carries the heavy-assessment facts that feed parameter learning.
type Signals struct {
	SessionID     string
	Score         float64                     // final session outcome in [0,1]
	Interventions []breaker.Intervention      // interventions emitted in the session
	Values        []attribution.LearningValue // values recomputed for this session's learnings
}

// #endregion signals

// #region observation
// Observation is one Bayesian update to apply to an adaptive parameter.
// Ref distinguishes several observations of the same key in one session.
type Observation struct {
	Key     string
	Ref     string
	Outcome float64
	Weight  float64
	Reason  string
}

// #endregion observation

// #region decision
// Decision records what the update function decided.
type Decision struct {
	Action string // "commit" | "no_op"
	Reason string
}

// #endregion decision

// #region update-config
// UpdateConfig holds the outcome bands and weights of the feedback loop.
type UpdateConfig struct {
	GoodSession       float64 // score at or above which an intervention was a false alarm
	BadSession        float64 // score at or below which a quiet breaker missed trouble
	FalseAlarmWeight  float64
	MissedWeight      float64
	ActivationWeight  float64 // scaled by the ablation confidence
	ExplorationWeight float64
	MaxExploration    float64 // outcome fed to the ablation rate when every learning is unresolved
}

// DefaultUpdateConfig returns production defaults.
func DefaultUpdateConfig() UpdateConfig {
	return UpdateConfig{
		GoodSession:       0.7,
		BadSession:        0.3,
		FalseAlarmWeight:  1.0,
		MissedWeight:      0.5,
		ActivationWeight:  0.5,
		ExplorationWeight: 0.1,
		MaxExploration:    0.2,
	}
}

// #endregion update-config

// #region update-result
// UpdateResult bundles everything returned by Update().
type UpdateResult struct {
	Observations []Observation
	Decision     Decision
}

// #endregion update-result
