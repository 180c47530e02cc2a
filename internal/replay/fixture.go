package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/danielpatrickdp/adaptive-state/assessor/internal/breaker"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/checkpoint"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/events"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description           string                 `json:"description"`
	Config                FixtureConfig          `json:"config"`
	Events                []events.Event         `json:"events"`
	ExpectedInterventions []ExpectedIntervention `json:"expected_interventions"`
	ExpectedCheckpoints   []ExpectedCheckpoint   `json:"expected_checkpoints"`
}

// FixtureConfig overrides replay defaults. Absent fields keep the default;
// pointer fields accept an explicit zero.
type FixtureConfig struct {
	Breaker    FixtureBreakerConfig    `json:"breaker"`
	Checkpoint FixtureCheckpointConfig `json:"checkpoint"`
}

// FixtureBreakerConfig mirrors breaker.Config plus fixed thresholds.
type FixtureBreakerConfig struct {
	CorrectionWindow     string  `json:"correction_window"`
	CorrectionLimit      int     `json:"correction_limit"`
	CooldownSeconds      *int    `json:"cooldown_seconds"`
	MaxInterventions     *int    `json:"max_interventions"`
	FailureThreshold     int     `json:"failure_threshold"`
	FrustrationThreshold float64 `json:"frustration_threshold"`
}

// FixtureCheckpointConfig mirrors checkpoint.Config.
type FixtureCheckpointConfig struct {
	MessageCount *int   `json:"message_count"`
	Interval     string `json:"interval"`
}

// ExpectedIntervention is an intervention the fixture requires at an event.
type ExpectedIntervention struct {
	EventID   string                   `json:"event_id"`
	Type      breaker.InterventionType `json:"type"`
	Condition breaker.Condition        `json:"condition"`
}

// ExpectedCheckpoint is a checkpoint the fixture requires at an event.
type ExpectedCheckpoint struct {
	EventID string             `json:"event_id"`
	Trigger checkpoint.Trigger `json:"trigger"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// ToReplayConfig applies the fixture overrides to DefaultReplayConfig.
func (fc *FixtureConfig) ToReplayConfig() (ReplayConfig, error) {
	cfg := DefaultReplayConfig()

	b := fc.Breaker
	if b.CorrectionWindow != "" {
		d, err := time.ParseDuration(b.CorrectionWindow)
		if err != nil {
			return cfg, fmt.Errorf("breaker.correction_window: %w", err)
		}
		cfg.Engine.Breaker.CorrectionWindow = d
	}
	if b.CorrectionLimit > 0 {
		cfg.Engine.Breaker.CorrectionLimit = b.CorrectionLimit
	}
	if b.CooldownSeconds != nil {
		cfg.Engine.Breaker.Cooldown = time.Duration(*b.CooldownSeconds) * time.Second
	}
	if b.MaxInterventions != nil {
		cfg.Engine.Breaker.MaxInterventions = *b.MaxInterventions
	}
	if b.FailureThreshold > 0 {
		cfg.Thresholds.Failures = b.FailureThreshold
	}
	if b.FrustrationThreshold > 0 {
		cfg.Thresholds.Frustration = b.FrustrationThreshold
	}

	c := fc.Checkpoint
	if c.MessageCount != nil {
		cfg.Engine.Checkpoint.MessageCount = *c.MessageCount
	}
	if c.Interval != "" {
		d, err := time.ParseDuration(c.Interval)
		if err != nil {
			return cfg, fmt.Errorf("checkpoint.interval: %w", err)
		}
		cfg.Engine.Checkpoint.Interval = d
	}
	return cfg, nil
}

// #endregion fixture-loader

// #region fixture-check

// Mismatch describes one divergence between a replay and its fixture.
type Mismatch struct {
	EventID string
	Detail  string
}

func (m Mismatch) String() string { return m.EventID + ": " + m.Detail }

// Check compares replay results against the fixture's expectations. Every
// intervention and checkpoint must be expected, and every expectation met.
func (f *Fixture) Check(results []ReplayResult) []Mismatch {
	wantIv := make(map[string]ExpectedIntervention, len(f.ExpectedInterventions))
	for _, x := range f.ExpectedInterventions {
		wantIv[x.EventID] = x
	}
	wantCp := make(map[string]ExpectedCheckpoint, len(f.ExpectedCheckpoints))
	for _, x := range f.ExpectedCheckpoints {
		wantCp[x.EventID] = x
	}

	var out []Mismatch
	for _, r := range results {
		if x, ok := wantIv[r.EventID]; ok {
			delete(wantIv, r.EventID)
			switch {
			case r.Intervention == nil:
				out = append(out, Mismatch{r.EventID, fmt.Sprintf("expected %s intervention, got none", x.Type)})
			case r.Intervention.Type != x.Type:
				out = append(out, Mismatch{r.EventID, fmt.Sprintf("expected %s intervention, got %s", x.Type, r.Intervention.Type)})
			case x.Condition != "" && r.Intervention.Condition != x.Condition:
				out = append(out, Mismatch{r.EventID, fmt.Sprintf("expected condition %s, got %s", x.Condition, r.Intervention.Condition)})
			}
		} else if r.Intervention != nil {
			out = append(out, Mismatch{r.EventID, fmt.Sprintf("unexpected %s intervention", r.Intervention.Type)})
		}

		if x, ok := wantCp[r.EventID]; ok {
			delete(wantCp, r.EventID)
			switch {
			case r.Checkpoint == nil:
				out = append(out, Mismatch{r.EventID, fmt.Sprintf("expected %s checkpoint, got none", x.Trigger)})
			case r.Checkpoint.Trigger != x.Trigger:
				out = append(out, Mismatch{r.EventID, fmt.Sprintf("expected %s checkpoint, got %s", x.Trigger, r.Checkpoint.Trigger)})
			}
		} else if r.Checkpoint != nil {
			out = append(out, Mismatch{r.EventID, fmt.Sprintf("unexpected %s checkpoint", r.Checkpoint.Trigger)})
		}
	}
	for id := range wantIv {
		out = append(out, Mismatch{id, "expected intervention at an event that was never replayed"})
	}
	for id := range wantCp {
		out = append(out, Mismatch{id, "expected checkpoint at an event that was never replayed"})
	}
	return out
}

// #endregion fixture-check
