package attribution

import (
	"time"

	"gonum.org/v1/gonum/stat"
)

// #region aggregator
// Aggregator is layer four: it picks a value estimate by precedence
// (significant ablation, then temporal, then prior) and applies the
// deprecation rules.
type Aggregator struct {
	config Config
}

// NewAggregator creates an Aggregator.
func NewAggregator(config Config) Aggregator {
	return Aggregator{config: config}
}

// ComputeValue produces a LearningValue. ablation may be nil; nets are the
// per-session net attributions of activated sessions.
func (g Aggregator) ComputeValue(learningID string, ablation *AblationResult, nets []float64, activationRate float64, now time.Time) LearningValue {
	v := LearningValue{
		LearningID:     learningID,
		ActivationRate: activationRate,
		Ablation:       ablation,
		UpdatedAt:      now,
	}
	switch {
	case ablation != nil && ablation.Significant:
		v.Source = SourceAblation
		v.EstimatedValue = ablation.MarginalValue
		v.Confidence = 1 - ablation.PValue
		v.SampleCount = ablation.With + ablation.Without
	case len(nets) > 0:
		v.Source = SourceTemporal
		v.EstimatedValue = stat.Mean(nets, nil) * activationRate
		v.Confidence = g.config.TemporalConfidence
		v.SampleCount = len(nets)
	default:
		v.Source = SourcePrior
		v.Confidence = g.config.PriorConfidence
	}
	v.FlaggedForRemoval = shouldRemove(v)
	v.FlaggedForReview = needsReview(v)
	return v
}

// #endregion aggregator

// #region deprecation
func shouldRemove(v LearningValue) bool {
	switch v.Source {
	case SourceAblation:
		return v.EstimatedValue < -0.1 && v.Confidence > 0.8
	case SourceTemporal:
		return v.EstimatedValue < -0.2 && v.SampleCount > 20
	}
	return false
}

func needsReview(v LearningValue) bool {
	if v.Confidence < 0.3 && v.SampleCount > 30 {
		return true
	}
	return v.EstimatedValue > -0.1 && v.EstimatedValue < 0
}

// #endregion deprecation
