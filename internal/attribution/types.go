package attribution

import (
	"errors"
	"time"
)

// ErrInsufficientSamples is returned when an ablation experiment has too
// few withheld sessions to produce a result. It is not a failure.
var ErrInsufficientSamples = errors.New("insufficient ablation samples")

// #region learning
// Learning is a piece of captured knowledge that may be injected.
type Learning struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// Output is one assistant message of a session.
type Output struct {
	Index int    `json:"message_index"`
	Text  string `json:"text"`
}

// #endregion learning

// #region activation-result
// ActivationResult is layer one's verdict for one learning in one session.
type ActivationResult struct {
	LearningID         string  `json:"learning_id"`
	Activated          bool    `json:"activated"`
	Score              float64 `json:"activation_score"`
	Semantic           float64 `json:"semantic"`
	Keyword            float64 `json:"keyword"`
	Confidence         float64 `json:"confidence"`
	ExplicitReferences int     `json:"explicit_references"`
	ActivationIndex    int     `json:"activation_index"`
}

// #endregion activation-result

// #region attribution
// Attribution is the temporal credit assigned to an activated learning for
// one session, with the activation verdict it was computed from.
type Attribution struct {
	LearningID      string    `json:"learning_id"`
	SessionID       string    `json:"session_id"`
	WasWithheld     bool      `json:"was_withheld"`
	WasActivated    bool      `json:"was_activated"`
	ActivationScore float64   `json:"activation_score"`
	ActivationIndex int       `json:"activation_index"`
	PositiveSum     float64   `json:"positive_sum"`
	NegativeSum     float64   `json:"negative_sum"`
	Net             float64   `json:"net_attribution"`
	Signals         int       `json:"signals"`
	CreatedAt       time.Time `json:"created_at"`
}

// #endregion attribution

// #region exposure
// Exposure records whether a learning was injected into a session, whether
// it activated, and the session's outcome score. Exposures are the samples
// of the ablation experiment.
type Exposure struct {
	LearningID string    `json:"learning_id"`
	SessionID  string    `json:"session_id"`
	Withheld   bool      `json:"withheld"`
	Activated  bool      `json:"activated"`
	Score      float64   `json:"score"`
	RecordedAt time.Time `json:"recorded_at"`
}

// #endregion exposure

// #region value
// Source tells which layer produced a LearningValue.
type Source string

const (
	SourceAblation Source = "ablation"
	SourceTemporal Source = "temporal"
	SourcePrior    Source = "prior"
)

// AblationResult is the outcome of a with/without comparison.
type AblationResult struct {
	MarginalValue float64 `json:"marginal_value"`
	PValue        float64 `json:"p_value"`
	Significant   bool    `json:"is_significant"`
	With          int     `json:"sessions_with"`
	Without       int     `json:"sessions_without"`
}

// LearningValue is the aggregated value estimate for a learning.
type LearningValue struct {
	LearningID        string          `json:"learning_id"`
	EstimatedValue    float64         `json:"estimated_value"`
	Confidence        float64         `json:"confidence"`
	Source            Source          `json:"source"`
	SampleCount       int             `json:"sample_count"`
	ActivationRate    float64         `json:"activation_rate"`
	Ablation          *AblationResult `json:"ablation,omitempty"`
	FlaggedForRemoval bool            `json:"flagged_for_removal"`
	FlaggedForReview  bool            `json:"flagged_for_review"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// #endregion value

// #region config
// Config holds the attribution tunables.
type Config struct {
	Lookahead          int     // messages after activation scanned by the temporal layer
	DecayRate          float64 // exp(-DecayRate * distance)
	MinWithheld        int     // withheld sessions required before ablation reports
	Significance       float64 // p-value cutoff
	DriftRate          float64 // withholding rate once a learning is significant
	SemanticWeight     float64
	KeywordWeight      float64
	TemporalConfidence float64
	PriorConfidence    float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Lookahead:          10,
		DecayRate:          0.3,
		MinWithheld:        10,
		Significance:       0.05,
		DriftRate:          0.01,
		SemanticWeight:     0.6,
		KeywordWeight:      0.4,
		TemporalConfidence: 0.4,
		PriorConfidence:    0.01,
	}
}

// #endregion config
