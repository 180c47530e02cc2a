package update

import (
	"context"
	"errors"
	"fmt"

	"github.com/danielpatrickdp/adaptive-state/assessor/internal/adaptive"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/attribution"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/breaker"
)

// #region update-function
// Update is a pure function from a session's assessment to the parameter
// observations it implies. Outcome 1 pushes a threshold up, 0 pushes it down.
func Update(sig Signals, config UpdateConfig) UpdateResult {
	var obs []Observation
	obs = append(obs, breakerFeedback(sig, config)...)
	obs = append(obs, activationFeedback(sig, config)...)
	if o, ok := explorationFeedback(sig, config); ok {
		obs = append(obs, o)
	}

	if len(obs) == 0 {
		return UpdateResult{Decision: Decision{Action: "no_op", Reason: "no parameter evidence"}}
	}
	return UpdateResult{
		Observations: obs,
		Decision:     Decision{Action: "commit", Reason: fmt.Sprintf("%d observations", len(obs))},
	}
}

// breakerFeedback raises the threshold behind an intervention in a session
// that went well, and lowers both learned thresholds when a bad session
// produced no intervention.
func breakerFeedback(sig Signals, config UpdateConfig) []Observation {
	if len(sig.Interventions) == 0 {
		if sig.Score > config.BadSession {
			return nil
		}
		return []Observation{
			{Key: adaptive.KeyFailureThreshold, Outcome: 0, Weight: config.MissedWeight, Reason: "missed bad session"},
			{Key: adaptive.KeyFrustrationThreshold, Outcome: 0, Weight: config.MissedWeight, Reason: "missed bad session"},
		}
	}
	if sig.Score < config.GoodSession {
		return nil
	}
	var out []Observation
	seen := make(map[string]bool)
	for _, iv := range sig.Interventions {
		key := thresholdKey(iv.Condition)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Observation{Key: key, Outcome: 1, Weight: config.FalseAlarmWeight, Reason: "false alarm"})
	}
	return out
}

// activationFeedback moves the activation threshold using significant
// ablation results: a learning that helps but rarely activates suggests the
// threshold is too high, one that does not help but activates often
// suggests it is too low.
func activationFeedback(sig Signals, config UpdateConfig) []Observation {
	var out []Observation
	for _, v := range sig.Values {
		if v.Source != attribution.SourceAblation {
			continue
		}
		w := config.ActivationWeight * v.Confidence
		switch {
		case v.EstimatedValue > 0 && v.ActivationRate < 0.5:
			out = append(out, Observation{Key: adaptive.KeyActivationThreshold, Ref: v.LearningID, Outcome: 0, Weight: w, Reason: "useful learning rarely activated"})
		case v.EstimatedValue <= 0 && v.ActivationRate > 0.5:
			out = append(out, Observation{Key: adaptive.KeyActivationThreshold, Ref: v.LearningID, Outcome: 1, Weight: w, Reason: "useless learning often activated"})
		}
	}
	return out
}

// explorationFeedback nudges the ablation rate toward the share of this
// session's learnings that still lack an ablation verdict, capped at
// MaxExploration.
func explorationFeedback(sig Signals, config UpdateConfig) (Observation, bool) {
	if len(sig.Values) == 0 {
		return Observation{}, false
	}
	unresolved := 0
	for _, v := range sig.Values {
		if v.Source != attribution.SourceAblation {
			unresolved++
		}
	}
	share := float64(unresolved) / float64(len(sig.Values))
	return Observation{
		Key:     adaptive.KeyAblationRate,
		Outcome: config.MaxExploration * share,
		Weight:  config.ExplorationWeight,
		Reason:  fmt.Sprintf("%d/%d learnings unresolved", unresolved, len(sig.Values)),
	}, true
}

func thresholdKey(c breaker.Condition) string {
	switch c {
	case breaker.ConditionConsecutiveFailure:
		return adaptive.KeyFailureThreshold
	case breaker.ConditionFrustration:
		return adaptive.KeyFrustrationThreshold
	}
	return ""
}

// #endregion update-function

// #region apply
// Apply feeds observations into the registry. Observation ids derive from
// the session id, so re-assessing a session never double counts.
func Apply(ctx context.Context, reg *adaptive.Registry, sessionID string, res UpdateResult) (int, error) {
	applied := 0
	var errs []error
	for _, o := range res.Observations {
		id := sessionID + "/" + o.Key + "/" + o.Ref
		ok, err := reg.Observe(ctx, o.Key, id, o.Outcome, o.Weight)
		if ok {
			applied++
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return applied, errors.Join(errs...)
}

// #endregion apply
