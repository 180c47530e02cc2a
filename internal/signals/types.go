package signals

import "time"

// #region category

// Category groups signals by how they were observed.
type Category string

const (
	CategoryLinguistic  Category = "linguistic"
	CategoryToolOutcome Category = "tool_outcome"
	CategoryStructural  Category = "structural"
)

// #endregion category

// #region kind

// Kind names the specific observation.
type Kind string

const (
	KindFrustration      Kind = "frustration"
	KindSuccess          Kind = "success"
	KindCorrection       Kind = "correction"
	KindRetry            Kind = "retry"
	KindTaskBoundary     Kind = "task_boundary"
	KindToolFailure      Kind = "tool_failure"
	KindToolSuccess      Kind = "tool_success"
	KindBuildPass        Kind = "build_pass"
	KindBuildFail        Kind = "build_fail"
	KindTestPass         Kind = "test_pass"
	KindTestFail         Kind = "test_fail"
	KindCommit           Kind = "commit"
	KindFeedbackPositive Kind = "feedback_positive"
	KindFeedbackNegative Kind = "feedback_negative"
)

// #endregion kind

// #region polarity

// Polarity says whether a signal is evidence of things going well or badly.
type Polarity int

const (
	Negative Polarity = -1
	Neutral  Polarity = 0
	Positive Polarity = 1
)

func (p Polarity) String() string {
	switch p {
	case Negative:
		return "negative"
	case Positive:
		return "positive"
	}
	return "neutral"
}

// #endregion polarity

// #region signal

// Signal is an immutable, timestamped observation derived from one event.
type Signal struct {
	EventID      string    `json:"event_id"`
	SessionID    string    `json:"session_id"`
	MessageIndex int       `json:"message_index"`
	Timestamp    time.Time `json:"timestamp"`
	Kind         Kind      `json:"kind"`
	Category     Category  `json:"category"`
	Polarity     Polarity  `json:"polarity"`
	Weight       float64   `json:"weight"`
	Pattern      string    `json:"pattern,omitempty"` // matched text, for audit
}

// IsSuccess reports whether the signal resets a failure streak.
func (s Signal) IsSuccess() bool {
	switch s.Kind {
	case KindToolSuccess, KindBuildPass, KindTestPass, KindSuccess, KindFeedbackPositive:
		return true
	}
	return false
}

// IsFailure reports whether the signal extends a failure streak.
func (s Signal) IsFailure() bool {
	return s.Kind == KindToolFailure
}

// #endregion signal

// #region config

// DetectorConfig holds tuning knobs for per-event detection.
type DetectorConfig struct {
	EMADecay     float64 // weight kept from the previous EMA value, in [0,1)
	MaxScanBytes int     // bytes of text inspected per event (head+tail for tool output)
}

// DefaultDetectorConfig returns sensible defaults.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		EMADecay:     0.7,
		MaxScanBytes: 8 * 1024,
	}
}

// #endregion config
