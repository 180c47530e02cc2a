package adaptive

import (
	"math"
	"math/rand/v2"
	"testing"
)

func TestNewParameterUninformed(t *testing.T) {
	p := NewParameter()
	if p.Alpha != 1 || p.Beta != 1 {
		t.Fatalf("expected alpha=beta=1, got %f/%f", p.Alpha, p.Beta)
	}
	if p.Value != 0.5 {
		t.Fatalf("expected value 0.5, got %f", p.Value)
	}
	if p.Uncertainty != 1 {
		t.Fatalf("expected uncertainty 1, got %f", p.Uncertainty)
	}
}

func TestUpdateFormula(t *testing.T) {
	p := NewParameter()
	p.Update(1, 2)

	// effective = 2 / (1 + 1) = 1
	if math.Abs(p.Alpha-2) > 1e-9 || math.Abs(p.Beta-1) > 1e-9 {
		t.Fatalf("unexpected counts alpha=%f beta=%f", p.Alpha, p.Beta)
	}
	if p.Observations != 1 {
		t.Fatalf("expected 1 observation, got %d", p.Observations)
	}
	if math.Abs(p.Value-2.0/3.0) > 1e-9 {
		t.Fatalf("expected value 2/3, got %f", p.Value)
	}
	if math.Abs(p.Uncertainty-0.5) > 1e-9 {
		t.Fatalf("expected uncertainty 0.5, got %f", p.Uncertainty)
	}
}

func TestUpdateConvergesToBernoulliRate(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for _, rate := range []float64{0.1, 0.5, 0.7, 0.95} {
		p := NewParameter()
		prevUncertainty := p.Uncertainty
		for i := 0; i < 20000; i++ {
			outcome := 0.0
			if rng.Float64() < rate {
				outcome = 1
			}
			p.Update(outcome, 1)
			if p.Uncertainty > prevUncertainty {
				t.Fatalf("uncertainty increased at step %d: %f > %f", i, p.Uncertainty, prevUncertainty)
			}
			prevUncertainty = p.Uncertainty
		}
		if math.Abs(p.Value-rate) > 0.02 {
			t.Errorf("rate %.2f: value %.4f did not converge", rate, p.Value)
		}
	}
}

func TestValueMatchesCounts(t *testing.T) {
	p := NewParameterWithPrior(3, 7)
	for i := 0; i < 50; i++ {
		p.Update(float64(i%3)/2, 0.5+float64(i%4))
		if math.Abs(p.Value-p.Alpha/(p.Alpha+p.Beta)) > 1e-12 {
			t.Fatalf("value drifted from alpha/(alpha+beta) at step %d", i)
		}
		if p.Value < 0 || p.Value > 1 {
			t.Fatalf("value out of range: %f", p.Value)
		}
	}
}

func TestUpdateClampsOutOfRange(t *testing.T) {
	if strictChecks {
		t.Skip("strict build panics instead of clamping")
	}
	p := NewParameter()
	p.Update(1.7, 1)
	q := NewParameter()
	q.Update(1, 1)
	if p.Alpha != q.Alpha || p.Beta != q.Beta {
		t.Fatalf("expected clamp to 1: got %f/%f want %f/%f", p.Alpha, p.Beta, q.Alpha, q.Beta)
	}

	p.Update(0.5, -3)
	if p.Observations != 2 {
		t.Fatalf("negative weight should still count an observation, got %d", p.Observations)
	}
	if p.Alpha != q.Alpha {
		t.Fatalf("negative weight should not move counts")
	}
}

func TestSampleInUnitInterval(t *testing.T) {
	params := []Parameter{
		NewParameter(),
		NewParameterWithPrior(0.01, 50),
		NewParameterWithPrior(50, 0.01),
		NewParameterWithPrior(1000, 1000),
		{Alpha: 0, Beta: 0},
	}
	for _, p := range params {
		for i := 0; i < 500; i++ {
			v := p.Sample()
			if v < 0 || v > 1 || math.IsNaN(v) {
				t.Fatalf("sample %f out of [0,1] for alpha=%f beta=%f", v, p.Alpha, p.Beta)
			}
		}
	}
}

func TestNewParameterWithPriorRejectsNonPositive(t *testing.T) {
	p := NewParameterWithPrior(-2, 0)
	if p.Alpha != 1 || p.Beta != 1 {
		t.Fatalf("expected fallback to 1/1, got %f/%f", p.Alpha, p.Beta)
	}
}
