package attribution

import (
	"math"
	"time"

	"github.com/danielpatrickdp/adaptive-state/assessor/internal/signals"
)

// #region temporal
// Temporal is layer two: decay-weighted credit from signals that follow a
// learning's activation.
type Temporal struct {
	Lookahead int
	DecayRate float64
}

// Attribute sums signals at distance 1..Lookahead messages after
// activationIndex. Neutral signals carry no credit.
func (t Temporal) Attribute(learningID, sessionID string, activationIndex int, sigs []signals.Signal, now time.Time) Attribution {
	out := Attribution{
		LearningID:      learningID,
		SessionID:       sessionID,
		ActivationIndex: activationIndex,
		CreatedAt:       now,
	}
	for _, s := range sigs {
		d := s.MessageIndex - activationIndex
		if d <= 0 || d > t.Lookahead {
			continue
		}
		w := math.Exp(-t.DecayRate*float64(d)) * s.Weight
		switch s.Polarity {
		case signals.Positive:
			out.PositiveSum += w
		case signals.Negative:
			out.NegativeSum += w
		default:
			continue
		}
		out.Signals++
	}
	out.Net = out.PositiveSum - out.NegativeSum
	return out
}

// #endregion temporal
