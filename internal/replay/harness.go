package replay

import (
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/breaker"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/checkpoint"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/engine"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/events"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/signals"
)

// #region types
// ReplayConfig bundles the per-session component settings and the fixed
// breaker thresholds used instead of sampled ones, so replays are
// deterministic.
type ReplayConfig struct {
	Engine     engine.Config
	Thresholds breaker.FixedThresholds
}

// DefaultReplayConfig returns production component defaults with the
// breaker thresholds pinned at their prior means.
func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{
		Engine:     engine.DefaultConfig(),
		Thresholds: breaker.FixedThresholds{Failures: 3, Frustration: 0.7},
	}
}

// ReplayResult captures what the synchronous path produced for one event.
type ReplayResult struct {
	EventID      string                 `json:"event_id"`
	SessionID    string                 `json:"session_id"`
	Action       string                 `json:"action"` // "processed" | "intervene" | "duplicate" | "malformed"
	Reason       string                 `json:"reason,omitempty"`
	Signals      []signals.Kind         `json:"signals,omitempty"`
	Frustration  float64                `json:"frustration"`
	Intervention *breaker.Intervention  `json:"intervention,omitempty"`
	Checkpoint   *checkpoint.Checkpoint `json:"checkpoint,omitempty"`
}

// ReplaySummary provides aggregate stats from a replay run.
type ReplaySummary struct {
	TotalEvents   int                       `json:"total_events"`
	Sessions      int                       `json:"sessions"`
	Signals       int                       `json:"signals"`
	Interventions int                       `json:"interventions"`
	Checkpoints   int                       `json:"checkpoints"`
	Duplicates    int                       `json:"duplicates"`
	Malformed     int                       `json:"malformed"`
	ByCondition   map[breaker.Condition]int `json:"by_condition"`
}

// #endregion types

// #region replay
// Replay feeds events through per-session pipelines in order: detector,
// breaker, checkpoint manager. It performs no I/O and calls no
// capabilities.
func Replay(evs []events.Event, config ReplayConfig) []ReplayResult {
	pipes := make(map[string]*engine.Pipeline)
	seen := make(map[string]map[string]struct{})
	results := make([]ReplayResult, 0, len(evs))

	for _, ev := range evs {
		if err := ev.Validate(); err != nil {
			results = append(results, ReplayResult{
				EventID:   ev.ID,
				SessionID: ev.SessionID,
				Action:    "malformed",
				Reason:    err.Error(),
			})
			continue
		}

		p, ok := pipes[ev.SessionID]
		if !ok {
			p = engine.NewPipeline(ev.SessionID, config.Engine, config.Thresholds)
			pipes[ev.SessionID] = p
			seen[ev.SessionID] = make(map[string]struct{})
		}
		if _, dup := seen[ev.SessionID][ev.ID]; dup {
			results = append(results, ReplayResult{
				EventID:   ev.ID,
				SessionID: ev.SessionID,
				Action:    "duplicate",
				Reason:    "event already processed",
			})
			continue
		}
		seen[ev.SessionID][ev.ID] = struct{}{}

		step := p.Step(ev)
		r := ReplayResult{
			EventID:      ev.ID,
			SessionID:    ev.SessionID,
			Action:       "processed",
			Frustration:  step.Frustration,
			Intervention: step.Intervention,
			Checkpoint:   step.Checkpoint,
		}
		for _, s := range step.Signals {
			r.Signals = append(r.Signals, s.Kind)
		}
		if step.Intervention != nil {
			r.Action = "intervene"
			r.Reason = string(step.Intervention.Condition)
		}
		results = append(results, r)

		if ev.Kind == events.KindSessionEnd {
			delete(pipes, ev.SessionID)
		}
	}

	return results
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []ReplayResult) ReplaySummary {
	s := ReplaySummary{
		TotalEvents: len(results),
		ByCondition: make(map[breaker.Condition]int),
	}
	sessions := make(map[string]struct{})
	for _, r := range results {
		if r.SessionID != "" && r.Action != "malformed" {
			sessions[r.SessionID] = struct{}{}
		}
		s.Signals += len(r.Signals)
		switch r.Action {
		case "duplicate":
			s.Duplicates++
		case "malformed":
			s.Malformed++
		}
		if r.Intervention != nil {
			s.Interventions++
			s.ByCondition[r.Intervention.Condition]++
		}
		if r.Checkpoint != nil {
			s.Checkpoints++
		}
	}
	s.Sessions = len(sessions)
	return s
}

// #endregion replay
