package logging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/adaptive-state/assessor/internal/attribution"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/breaker"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/capability"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/checkpoint"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/events"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/signals"
)

// #region tier
// Tier is the assessment depth a record came from.
type Tier string

const (
	TierLightweight Tier = "lightweight"
	TierMedium      Tier = "medium"
	TierHeavy       Tier = "heavy"
)

// #endregion tier

// #region lightweight
// LightweightEvent is written once per processed event.
type LightweightEvent struct {
	EventID      string                 `json:"event_id"`
	MessageIndex int                    `json:"message_index"`
	Kind         events.Kind            `json:"kind"`
	Signals      []signals.Signal       `json:"signals"`
	Frustration  float64                `json:"frustration_ema"`
	Success      float64                `json:"success_ema"`
	Breaker      breaker.Status         `json:"breaker"`
	Intervention *breaker.Intervention  `json:"intervention,omitempty"`
	Checkpoint   *checkpoint.Checkpoint `json:"checkpoint,omitempty"`
}

// #endregion lightweight

// #region medium
// MediumEvent is written once per checkpoint after summarization.
type MediumEvent struct {
	Checkpoint checkpoint.Checkpoint `json:"checkpoint"`
	Summary    string                `json:"summary"`
	Signals    int                   `json:"signals"`
	Negative   int                   `json:"negative_signals"`
}

// #endregion medium

// #region heavy
// HeavyEvent is written once per sampled session end.
type HeavyEvent struct {
	Reason         checkpoint.Reason              `json:"reason"`
	HeuristicScore float64                        `json:"heuristic_score"`
	Analysis       *capability.Analysis           `json:"analysis,omitempty"`
	Score          float64                        `json:"score"`
	Interventions  []breaker.Intervention         `json:"interventions,omitempty"`
	Activations    []attribution.ActivationResult `json:"activations"`
	Attributions   []attribution.Attribution      `json:"attributions"`
	Values         []attribution.LearningValue    `json:"values"`
}

// #endregion heavy

// #region record
// Record is one row of the assessment log. Every record carries the
// session's lineage so consumers never need to re-join.
type Record struct {
	ID        string          `json:"id"`
	Tier      Tier            `json:"tier"`
	SessionID string          `json:"session_id"`
	EventID   string          `json:"event_id,omitempty"`
	Lineage   events.Lineage  `json:"lineage"`
	Body      json.RawMessage `json:"body"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewRecord marshals body into a fresh record.
func NewRecord(tier Tier, sessionID, eventID string, lineage events.Lineage, body interface{}, at time.Time) (Record, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Record{}, fmt.Errorf("marshal %s record: %w", tier, err)
	}
	return Record{
		ID:        uuid.New().String(),
		Tier:      tier,
		SessionID: sessionID,
		EventID:   eventID,
		Lineage:   lineage,
		Body:      raw,
		CreatedAt: at,
	}, nil
}

// recordNamespace seeds deterministic record ids.
var recordNamespace = uuid.MustParse("6f1c2a9e-4b7d-4e0a-9c3f-2d8e5a1b7c40")

// Keyed replaces the random id with one derived from the tier, session
// and key, so a redelivered event rewrites the same row instead of adding
// a new one.
func (r Record) Keyed(key string) Record {
	r.ID = uuid.NewSHA1(recordNamespace, []byte(string(r.Tier)+"/"+r.SessionID+"/"+key)).String()
	return r
}

// Decode unmarshals the record body into v.
func (r Record) Decode(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode %s record %s: %w", r.Tier, r.ID, err)
	}
	return nil
}

// #endregion record
