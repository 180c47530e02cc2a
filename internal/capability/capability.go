package capability

import (
	"context"
	"errors"
	"math"
)

// ErrUnavailable marks a capability that could not be reached or timed out.
var ErrUnavailable = errors.New("capability unavailable")

// #region interfaces
// Embedder turns text into a vector. Implementations may be slow and must
// only be called from background work.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Summarizer condenses conversation segments and grades whole sessions.
type Summarizer interface {
	Summarize(ctx context.Context, messages []Message) (string, error)
	Analyze(ctx context.Context, transcript string) (Analysis, error)
}

// Backend provides both capabilities from one service.
type Backend interface {
	Embedder
	Summarizer
	Close() error
}

// #endregion interfaces

// #region types
// Message is one conversation turn passed to a summarizer.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Analysis is a summarizer's verdict on a whole session. Outcome and
// Confidence are in [0,1].
type Analysis struct {
	Outcome    float64 `json:"outcome"`
	Confidence float64 `json:"confidence"`
	Summary    string  `json:"summary"`
}

// Normalize clamps Outcome and Confidence into [0,1].
func (a Analysis) Normalize() Analysis {
	a.Outcome = unit(a.Outcome)
	a.Confidence = unit(a.Confidence)
	return a
}

// #endregion types

// #region similarity
// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when either is empty, zero or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func unit(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// #endregion similarity
