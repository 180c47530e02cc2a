package adaptive

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// #region parameter

// Parameter is a Beta-distributed belief over a probability.
// Value is always Alpha/(Alpha+Beta) and lies in [0, 1].
type Parameter struct {
	Value        float64 `json:"value"`
	Uncertainty  float64 `json:"uncertainty"`
	Observations int     `json:"observations"`
	Alpha        float64 `json:"alpha"`
	Beta         float64 `json:"beta"`
}

// NewParameter returns a parameter with the uninformed prior alpha=beta=1.
func NewParameter() Parameter {
	return NewParameterWithPrior(1, 1)
}

// NewParameterWithPrior returns a parameter seeded with pseudo-counts.
// Non-positive counts fall back to 1.
func NewParameterWithPrior(alpha, beta float64) Parameter {
	if !(alpha > 0) {
		alpha = 1
	}
	if !(beta > 0) {
		beta = 1
	}
	p := Parameter{Alpha: alpha, Beta: beta, Uncertainty: 1}
	p.Value = alpha / (alpha + beta)
	return p
}

// #endregion parameter

// #region update

// Update performs a weighted Bayesian update with an outcome in [0, 1].
// The effective weight shrinks while the parameter is still uncertain.
func (p *Parameter) Update(outcome, weight float64) {
	outcome = checkUnit("outcome", outcome)
	if math.IsNaN(weight) || weight < 0 {
		if strictChecks {
			panic(fmt.Sprintf("adaptive: weight %v must be >= 0", weight))
		}
		weight = 0
	}
	if p.Alpha <= 0 || p.Beta <= 0 {
		*p = NewParameterWithPrior(p.Alpha, p.Beta)
	}

	effective := weight / (1 + p.Uncertainty)
	p.Alpha += outcome * effective
	p.Beta += (1 - outcome) * effective
	p.Observations++
	p.Value = p.Alpha / (p.Alpha + p.Beta)
	p.Uncertainty = 1 / (1 + math.Sqrt(float64(p.Observations)))
}

// #endregion update

// #region sample

// Sample draws from Beta(Alpha, Beta) for Thompson-style exploration.
func (p Parameter) Sample() float64 {
	alpha, beta := p.Alpha, p.Beta
	if alpha <= 0 || beta <= 0 {
		alpha, beta = 1, 1
	}
	v := distuv.Beta{Alpha: alpha, Beta: beta}.Rand()
	return clampUnit(v)
}

// Mean recomputes the point estimate from the pseudo-counts.
func (p Parameter) Mean() float64 {
	if p.Alpha+p.Beta <= 0 {
		return 0.5
	}
	return p.Alpha / (p.Alpha + p.Beta)
}

// #endregion sample

// #region helpers

func checkUnit(name string, v float64) float64 {
	if math.IsNaN(v) || v < 0 || v > 1 {
		if strictChecks {
			panic(fmt.Sprintf("adaptive: %s %v outside [0,1]", name, v))
		}
	}
	return clampUnit(v)
}

func clampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// #endregion helpers
