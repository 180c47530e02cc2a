package breaker

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/adaptive-state/assessor/internal/adaptive"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/signals"
)

// #region breaker
// Breaker is the per-session circuit breaker. It is owned by the session's
// processing path and is not safe for concurrent use.
type Breaker struct {
	config     Config
	thresholds Thresholds
	sessionID  string

	state         State
	cooldownUntil time.Time
	corrections   []time.Time
	failures      int
	failureArmed  bool
	frustration   float64
	interventions int
	suppressed    int
	history       []Intervention
}

// New creates a breaker in the Normal state.
func New(sessionID string, config Config, thresholds Thresholds) *Breaker {
	state := StateNormal
	if config.MaxInterventions <= 0 {
		state = StateSilenced
	}
	return &Breaker{
		config:     config,
		thresholds: thresholds,
		sessionID:  sessionID,
		state:      state,
	}
}

// #endregion breaker

// #region observe
// Observe records a signal. Corrections enter the trailing window, tool
// failures extend the consecutive-failure run and success signals reset it.
// Observation continues in every state.
func (b *Breaker) Observe(sig signals.Signal) {
	switch {
	case sig.Kind == signals.KindCorrection:
		b.corrections = append(b.corrections, sig.Timestamp)
	case sig.IsFailure():
		b.failures++
		b.failureArmed = true
	case sig.IsSuccess():
		b.failures = 0
		b.failureArmed = false
	}
}

// SetFrustration records the session's current frustration EMA.
func (b *Breaker) SetFrustration(v float64) { b.frustration = v }

// #endregion observe

// #region should-intervene
// ShouldIntervene advances the state machine to now and returns the
// intervention to emit, if any. Entering Intervening immediately moves on to
// Cooldown (or Silenced once the per-session cap is reached), so at most one
// intervention is produced per breach.
func (b *Breaker) ShouldIntervene(now time.Time) (Intervention, bool) {
	b.advance(now)
	if b.state == StateSilenced {
		return Intervention{}, false
	}

	cond, breached := b.breach()
	if !breached {
		return Intervention{}, false
	}
	if b.state == StateCooldown {
		b.suppressed++
		return Intervention{}, false
	}

	b.state = StateIntervening
	b.interventions++
	iv := Intervention{
		ID:        uuid.New().String(),
		SessionID: b.sessionID,
		Type:      InterventionFor(cond),
		Condition: cond,
		Message:   MessageFor(InterventionFor(cond)),
		Sequence:  b.interventions,
		Timestamp: now,
	}
	b.history = append(b.history, iv)
	b.spend(now)

	switch {
	case b.interventions >= b.config.MaxInterventions:
		b.state = StateSilenced
	case b.config.Cooldown > 0:
		b.state = StateCooldown
		b.cooldownUntil = now.Add(b.config.Cooldown)
	default:
		b.state = StateNormal
	}
	return iv, true
}

// advance applies time-driven transitions and prunes the correction window.
func (b *Breaker) advance(now time.Time) {
	if b.state == StateCooldown && !now.Before(b.cooldownUntil) {
		b.state = StateNormal
	}
	if b.config.CorrectionWindow <= 0 {
		b.corrections = b.corrections[:0]
		return
	}
	cutoff := now.Add(-b.config.CorrectionWindow)
	kept := b.corrections[:0]
	for _, ts := range b.corrections {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.corrections = kept
}

// breach checks conditions in priority order:
// correction storm, then consecutive failures, then frustration.
func (b *Breaker) breach() (Condition, bool) {
	if b.config.CorrectionLimit > 0 && len(b.corrections) >= b.config.CorrectionLimit {
		return ConditionCorrectionStorm, true
	}
	if b.failureArmed && b.failures > 0 && b.failures >= b.thresholds.FailureThreshold() {
		return ConditionConsecutiveFailure, true
	}
	if b.frustration > 0 && b.frustration >= b.thresholds.FrustrationThreshold() {
		return ConditionFrustration, true
	}
	return "", false
}

// spend consumes the evidence behind an intervention so the same
// corrections or failure run cannot trigger again on their own.
func (b *Breaker) spend(now time.Time) {
	kept := b.corrections[:0]
	for _, ts := range b.corrections {
		if ts.After(now) {
			kept = append(kept, ts)
		}
	}
	b.corrections = kept
	b.failureArmed = false
}

// #endregion should-intervene

// #region accessors
// State returns the current state without advancing time.
func (b *Breaker) State() State { return b.state }

// Fired reports whether any intervention was emitted in this session.
func (b *Breaker) Fired() bool { return b.interventions > 0 }

// History returns the interventions emitted so far.
func (b *Breaker) History() []Intervention {
	out := make([]Intervention, len(b.history))
	copy(out, b.history)
	return out
}

// Status returns a snapshot for logging.
func (b *Breaker) Status() Status {
	return Status{
		State:         b.state,
		Corrections:   len(b.corrections),
		Failures:      b.failures,
		Frustration:   b.frustration,
		Interventions: b.interventions,
		Suppressed:    b.suppressed,
	}
}

// #endregion accessors

// #region adaptive-thresholds
// AdaptiveThresholds samples breaker thresholds from the parameter registry.
// The failure parameter lives in [0,1] and is scaled onto 1..MaxFailureRun.
type AdaptiveThresholds struct {
	Registry      *adaptive.Registry
	MaxFailureRun int
}

// FailureThreshold draws a consecutive-failure threshold.
func (a AdaptiveThresholds) FailureThreshold() int {
	maxRun := a.MaxFailureRun
	if maxRun < 1 {
		maxRun = 1
	}
	s := a.Registry.Sample(adaptive.KeyFailureThreshold)
	return 1 + int(math.Round(s*float64(maxRun-1)))
}

// FrustrationThreshold draws a frustration EMA threshold.
func (a AdaptiveThresholds) FrustrationThreshold() float64 {
	return a.Registry.Sample(adaptive.KeyFrustrationThreshold)
}

// #endregion adaptive-thresholds
