package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/danielpatrickdp/adaptive-state/assessor/internal/adaptive"
	"github.com/danielpatrickdp/adaptive-state/assessor/internal/signals"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sig(kind signals.Kind, at time.Duration) signals.Signal {
	s := signals.Signal{Kind: kind, Timestamp: base.Add(at), Weight: 1}
	switch kind {
	case signals.KindToolFailure, signals.KindCorrection:
		s.Polarity = signals.Negative
	case signals.KindToolSuccess:
		s.Polarity = signals.Positive
		s.Category = signals.CategoryToolOutcome
	}
	if kind == signals.KindToolFailure {
		s.Category = signals.CategoryToolOutcome
	}
	return s
}

// never disables the learned conditions so tests isolate one predicate.
var never = FixedThresholds{Failures: 1 << 30, Frustration: 2}

func TestCorrectionStormIntervenesOnce(t *testing.T) {
	b := New("s1", DefaultConfig(), never)

	for i := 0; i < 2; i++ {
		b.Observe(sig(signals.KindCorrection, time.Duration(i)*time.Minute))
		if _, ok := b.ShouldIntervene(base.Add(time.Duration(i) * time.Minute)); ok {
			t.Fatalf("unexpected intervention after %d corrections", i+1)
		}
	}

	b.Observe(sig(signals.KindCorrection, 2*time.Minute))
	iv, ok := b.ShouldIntervene(base.Add(2 * time.Minute))
	if !ok {
		t.Fatal("expected intervention after 3 corrections")
	}
	if iv.Type != ClarificationPause {
		t.Fatalf("expected clarification pause, got %s", iv.Type)
	}
	if iv.SessionID != "s1" || iv.Message == "" || iv.ID == "" {
		t.Fatalf("intervention incomplete: %+v", iv)
	}
	if b.State() != StateCooldown {
		t.Fatalf("expected cooldown, got %s", b.State())
	}

	// Immediate breach within cooldown is recorded, not emitted.
	for i := 0; i < 3; i++ {
		b.Observe(sig(signals.KindCorrection, 2*time.Minute+time.Duration(i+1)*time.Second))
	}
	if _, ok := b.ShouldIntervene(base.Add(2*time.Minute + 5*time.Second)); ok {
		t.Fatal("expected no intervention during cooldown")
	}
	if b.Status().Suppressed != 1 {
		t.Fatalf("expected 1 suppressed breach, got %d", b.Status().Suppressed)
	}

	// After cooldown the still-windowed corrections qualify again.
	iv, ok = b.ShouldIntervene(base.Add(2*time.Minute + 121*time.Second))
	if !ok {
		t.Fatal("expected intervention after cooldown elapsed")
	}
	if iv.Sequence != 2 {
		t.Fatalf("expected sequence 2, got %d", iv.Sequence)
	}
}

func TestCorrectionsOutsideWindowDecay(t *testing.T) {
	b := New("s1", DefaultConfig(), never)
	b.Observe(sig(signals.KindCorrection, 0))
	b.Observe(sig(signals.KindCorrection, time.Minute))
	b.Observe(sig(signals.KindCorrection, 7*time.Minute))
	if _, ok := b.ShouldIntervene(base.Add(7 * time.Minute)); ok {
		t.Fatal("corrections older than the window should not count")
	}
	if got := b.Status().Corrections; got != 1 {
		t.Fatalf("expected 1 correction in window, got %d", got)
	}
}

func TestConsecutiveFailuresPivot(t *testing.T) {
	b := New("s1", DefaultConfig(), FixedThresholds{Failures: 3, Frustration: 2})
	for i := 0; i < 2; i++ {
		b.Observe(sig(signals.KindToolFailure, time.Duration(i)*time.Second))
		if _, ok := b.ShouldIntervene(base.Add(time.Duration(i) * time.Second)); ok {
			t.Fatal("too early")
		}
	}
	b.Observe(sig(signals.KindToolFailure, 3*time.Second))
	iv, ok := b.ShouldIntervene(base.Add(3 * time.Second))
	if !ok || iv.Type != ApproachPivot {
		t.Fatalf("expected approach pivot, got %+v ok=%v", iv, ok)
	}

	// The run persists past cooldown but needs a fresh failure to fire again.
	if _, ok := b.ShouldIntervene(base.Add(10 * time.Minute)); ok {
		t.Fatal("spent failure run fired again without a new failure")
	}
	b.Observe(sig(signals.KindToolFailure, 10*time.Minute))
	if _, ok := b.ShouldIntervene(base.Add(10 * time.Minute)); !ok {
		t.Fatal("expected new failure on an unbroken run to fire")
	}
}

func TestSuccessResetsFailureRun(t *testing.T) {
	b := New("s1", DefaultConfig(), FixedThresholds{Failures: 3, Frustration: 2})
	b.Observe(sig(signals.KindToolFailure, 0))
	b.Observe(sig(signals.KindToolFailure, time.Second))
	b.Observe(sig(signals.KindToolSuccess, 2*time.Second))
	b.Observe(sig(signals.KindToolFailure, 3*time.Second))
	if _, ok := b.ShouldIntervene(base.Add(3 * time.Second)); ok {
		t.Fatal("success should reset the consecutive failure count")
	}
	if b.Status().Failures != 1 {
		t.Fatalf("expected run of 1, got %d", b.Status().Failures)
	}
}

func TestFrustrationCheckIn(t *testing.T) {
	b := New("s1", DefaultConfig(), FixedThresholds{Failures: 100, Frustration: 0.6})
	b.SetFrustration(0.5)
	if _, ok := b.ShouldIntervene(base); ok {
		t.Fatal("below threshold")
	}
	b.SetFrustration(0.65)
	iv, ok := b.ShouldIntervene(base.Add(time.Second))
	if !ok || iv.Type != CheckIn {
		t.Fatalf("expected check-in, got %+v ok=%v", iv, ok)
	}
}

func TestConditionPriority(t *testing.T) {
	b := New("s1", DefaultConfig(), FixedThresholds{Failures: 1, Frustration: 0.1})
	b.SetFrustration(0.9)
	b.Observe(sig(signals.KindToolFailure, 0))
	for i := 0; i < 3; i++ {
		b.Observe(sig(signals.KindCorrection, time.Duration(i)*time.Second))
	}
	iv, ok := b.ShouldIntervene(base.Add(5 * time.Second))
	if !ok || iv.Condition != ConditionCorrectionStorm {
		t.Fatalf("expected correction storm to win, got %+v", iv)
	}

	b2 := New("s2", DefaultConfig(), FixedThresholds{Failures: 1, Frustration: 0.1})
	b2.SetFrustration(0.9)
	b2.Observe(sig(signals.KindToolFailure, 0))
	iv, ok = b2.ShouldIntervene(base.Add(time.Second))
	if !ok || iv.Condition != ConditionConsecutiveFailure {
		t.Fatalf("expected failure to beat frustration, got %+v", iv)
	}
}

func TestMaxInterventionsSilences(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxInterventions = 2
	cfg.Cooldown = 0
	b := New("s1", cfg, FixedThresholds{Failures: 100, Frustration: 0.5})
	b.SetFrustration(0.9)

	fired := 0
	for i := 0; i < 10; i++ {
		if _, ok := b.ShouldIntervene(base.Add(time.Duration(i) * time.Second)); ok {
			fired++
		}
	}
	if fired != 2 {
		t.Fatalf("expected 2 interventions, got %d", fired)
	}
	if b.State() != StateSilenced {
		t.Fatalf("expected silenced, got %s", b.State())
	}
	if len(b.History()) != 2 || !b.Fired() {
		t.Fatal("history should record both interventions")
	}
}

func TestZeroConfigDisables(t *testing.T) {
	b := New("s1", Config{}, FixedThresholds{Failures: 1, Frustration: 0})
	b.SetFrustration(1)
	b.Observe(sig(signals.KindToolFailure, 0))
	if _, ok := b.ShouldIntervene(base); ok {
		t.Fatal("max interventions 0 must never intervene")
	}
	if b.State() != StateSilenced {
		t.Fatalf("expected silenced, got %s", b.State())
	}

	cfg := DefaultConfig()
	cfg.CorrectionLimit = 0
	b = New("s2", cfg, never)
	for i := 0; i < 10; i++ {
		b.Observe(sig(signals.KindCorrection, time.Duration(i)*time.Second))
	}
	if _, ok := b.ShouldIntervene(base.Add(10 * time.Second)); ok {
		t.Fatal("correction limit 0 disables the storm check")
	}
}

func TestAdaptiveThresholdsRange(t *testing.T) {
	reg := adaptive.NewRegistry(nil, nil)
	th := AdaptiveThresholds{Registry: reg, MaxFailureRun: 5}
	for i := 0; i < 200; i++ {
		f := th.FailureThreshold()
		if f < 1 || f > 5 {
			t.Fatalf("failure threshold out of range: %d", f)
		}
		fr := th.FrustrationThreshold()
		if fr < 0 || fr > 1 {
			t.Fatalf("frustration threshold out of range: %f", fr)
		}
	}

	// A registry driven toward 0 pulls the failure threshold to 1.
	for i := 0; i < 500; i++ {
		if _, err := reg.Observe(context.Background(), adaptive.KeyFailureThreshold, "", 0, 1); err != nil {
			t.Fatal(err)
		}
	}
	low := 0
	for i := 0; i < 100; i++ {
		if th.FailureThreshold() == 1 {
			low++
		}
	}
	if low < 90 {
		t.Fatalf("expected threshold mostly 1 after negative feedback, got %d/100", low)
	}
}
