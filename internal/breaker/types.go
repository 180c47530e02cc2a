package breaker

import "time"

// #region state
// State is a circuit breaker state for one session.
type State string

const (
	StateNormal      State = "normal"
	StateIntervening State = "intervening"
	StateCooldown    State = "cooldown"
	StateSilenced    State = "silenced"
)

// #endregion state

// #region intervention-type
// InterventionType selects the message delivered to the user.
type InterventionType string

const (
	ClarificationPause InterventionType = "clarification_pause"
	ApproachPivot      InterventionType = "approach_pivot"
	CheckIn            InterventionType = "check_in"
)

// Condition names the breach that selected an intervention.
type Condition string

const (
	ConditionCorrectionStorm    Condition = "correction_storm"
	ConditionConsecutiveFailure Condition = "consecutive_failure"
	ConditionFrustration        Condition = "frustration_ema"
)

// InterventionFor maps a condition to its intervention type.
func InterventionFor(c Condition) InterventionType {
	switch c {
	case ConditionCorrectionStorm:
		return ClarificationPause
	case ConditionConsecutiveFailure:
		return ApproachPivot
	default:
		return CheckIn
	}
}

var messages = map[InterventionType]string{
	ClarificationPause: "I've been corrected several times in the last few minutes. Before I change anything else, could you restate what you want so I can confirm I understand it?",
	ApproachPivot:      "The last few attempts have failed the same way. I'm going to stop repeating this fix and try a different approach.",
	CheckIn:            "This seems to be getting frustrating. Do you want me to keep going, change direction, or pause here?",
}

// MessageFor returns the user-facing text for an intervention type.
func MessageFor(t InterventionType) string { return messages[t] }

// #endregion intervention-type

// #region intervention
// Intervention is one request sent to the injection boundary.
type Intervention struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	Type      InterventionType `json:"intervention_type"`
	Condition Condition        `json:"condition"`
	Message   string           `json:"message_text"`
	Sequence  int              `json:"sequence"`
	Timestamp time.Time        `json:"timestamp"`
}

// #endregion intervention

// #region breaker-config
// Config holds the fixed (non-learned) breaker settings. Zero values disable
// the corresponding behavior: no correction-storm check, no cooldown, or no
// interventions at all.
type Config struct {
	CorrectionWindow time.Duration
	CorrectionLimit  int
	Cooldown         time.Duration
	MaxInterventions int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		CorrectionWindow: 5 * time.Minute,
		CorrectionLimit:  3,
		Cooldown:         120 * time.Second,
		MaxInterventions: 3,
	}
}

// Thresholds supplies the learned thresholds, sampled on every evaluation.
type Thresholds interface {
	FailureThreshold() int
	FrustrationThreshold() float64
}

// FixedThresholds is a Thresholds with constant values.
type FixedThresholds struct {
	Failures    int
	Frustration float64
}

func (f FixedThresholds) FailureThreshold() int         { return f.Failures }
func (f FixedThresholds) FrustrationThreshold() float64 { return f.Frustration }

// #endregion breaker-config

// #region status
// Status is a point-in-time view of a breaker, used for logging.
type Status struct {
	State         State   `json:"state"`
	Corrections   int     `json:"corrections_in_window"`
	Failures      int     `json:"consecutive_failures"`
	Frustration   float64 `json:"frustration_ema"`
	Interventions int     `json:"interventions"`
	Suppressed    int     `json:"suppressed_breaches"`
}

// #endregion status
