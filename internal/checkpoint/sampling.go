package checkpoint

import (
	"math/rand/v2"
	"sync"
)

// #region sampling-config
// SamplingConfig controls heavy-assessment selection. The base rate is
// fixed on purpose and never learned.
type SamplingConfig struct {
	BaseRate            float64
	BurnInSessions      int
	LongSessionMessages int
}

// DefaultSamplingConfig returns production defaults.
func DefaultSamplingConfig() SamplingConfig {
	return SamplingConfig{BaseRate: 0.1, BurnInSessions: 50, LongSessionMessages: 100}
}

// #endregion sampling-config

// #region reason
// Reason explains a sampling decision.
type Reason string

const (
	ReasonBurnIn       Reason = "burn_in"
	ReasonBreakerFired Reason = "breaker_fired"
	ReasonFeedback     Reason = "explicit_feedback"
	ReasonLongSession  Reason = "long_session"
	ReasonSampled      Reason = "base_rate"
	ReasonSkipped      Reason = "skipped"
)

// SessionSummary is what the sampler needs to know about an ended session.
type SessionSummary struct {
	SessionID    string
	Ordinal      int
	BreakerFired bool
	HasFeedback  bool
	Messages     int
}

// #endregion reason

// #region sampler
// Sampler decides per session end whether to run a heavy assessment and
// assigns session ordinals for burn-in. Safe for concurrent use.
type Sampler struct {
	config SamplingConfig

	mu   sync.Mutex
	rng  *rand.Rand
	seen int
}

// NewSampler creates a sampler. seen is the number of sessions already
// processed in earlier runs; src may be nil for a randomly seeded source.
func NewSampler(config SamplingConfig, src rand.Source, seen int) *Sampler {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Sampler{config: config, rng: rand.New(src), seen: seen}
}

// Begin assigns the next 1-based session ordinal.
func (s *Sampler) Begin() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen++
	return s.seen
}

// InBurnIn reports whether a session ordinal falls in the burn-in period.
// Burn-in sessions are always assessed and never take part in ablation.
func (s *Sampler) InBurnIn(ordinal int) bool {
	return ordinal > 0 && ordinal <= s.config.BurnInSessions
}

// Decide returns whether the ended session gets a heavy assessment.
func (s *Sampler) Decide(sum SessionSummary) (Reason, bool) {
	switch {
	case s.InBurnIn(sum.Ordinal):
		return ReasonBurnIn, true
	case sum.BreakerFired:
		return ReasonBreakerFired, true
	case sum.HasFeedback:
		return ReasonFeedback, true
	case s.config.LongSessionMessages > 0 && sum.Messages >= s.config.LongSessionMessages:
		return ReasonLongSession, true
	}
	if s.config.BaseRate <= 0 {
		return ReasonSkipped, false
	}
	s.mu.Lock()
	draw := s.rng.Float64()
	s.mu.Unlock()
	if draw < s.config.BaseRate {
		return ReasonSampled, true
	}
	return ReasonSkipped, false
}

// #endregion sampler
