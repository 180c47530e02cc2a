package attribution

import (
	"math"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/danielpatrickdp/adaptive-state/assessor/internal/adaptive"
)

// #region experiment
// Experiment holds the session outcome scores for one learning, split by
// whether the learning was injected or withheld.
type Experiment struct {
	LearningID string
	With       []float64
	Without    []float64
}

// NewExperiment builds an experiment from recorded exposures.
func NewExperiment(learningID string, exposures []Exposure) Experiment {
	e := Experiment{LearningID: learningID}
	for _, x := range exposures {
		if x.Withheld {
			e.Without = append(e.Without, x.Score)
		} else {
			e.With = append(e.With, x.Score)
		}
	}
	return e
}

// MarginalValue compares mean scores with and without the learning using
// Welch's t-test. It returns ErrInsufficientSamples until minWithheld
// withheld sessions (and at least two injected ones) exist.
func (e Experiment) MarginalValue(minWithheld int, significance float64) (AblationResult, error) {
	if minWithheld < 2 {
		minWithheld = 2
	}
	if len(e.Without) < minWithheld || len(e.With) < 2 {
		return AblationResult{}, ErrInsufficientSamples
	}
	meanWith, varWith := stat.MeanVariance(e.With, nil)
	meanWithout, varWithout := stat.MeanVariance(e.Without, nil)
	p := welchPValue(meanWith, varWith, float64(len(e.With)), meanWithout, varWithout, float64(len(e.Without)))
	return AblationResult{
		MarginalValue: meanWith - meanWithout,
		PValue:        p,
		Significant:   p < significance,
		With:          len(e.With),
		Without:       len(e.Without),
	}, nil
}

// welchPValue returns the two-sided p-value of Welch's unequal-variance
// t-test. With zero standard error the groups are either identical (p=1)
// or perfectly separated (p=0).
func welchPValue(m1, v1, n1, m2, v2, n2 float64) float64 {
	a, b := v1/n1, v2/n2
	se2 := a + b
	if se2 == 0 {
		if m1 == m2 {
			return 1
		}
		return 0
	}
	t := (m1 - m2) / math.Sqrt(se2)
	df := se2 * se2 / (a*a/(n1-1) + b*b/(n2-1))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	p := 2 * (1 - dist.CDF(math.Abs(t)))
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// #endregion experiment

// #region planner
// Planner is layer three's withholding decision. Each learning is decided
// independently of session content: withheld with probability sampled from
// the ablation-rate parameter, or at the drift rate once the learning has a
// significant result.
type Planner struct {
	driftRate float64
	params    ParameterSampler

	mu  sync.Mutex
	rng *rand.Rand
}

// NewPlanner creates a planner. src may be nil for a randomly seeded source.
func NewPlanner(config Config, params ParameterSampler, src rand.Source) *Planner {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Planner{driftRate: config.DriftRate, params: params, rng: rand.New(src)}
}

// Withhold decides for a single learning.
func (p *Planner) Withhold(significant bool) bool {
	rate := p.driftRate
	if !significant {
		rate = p.params.Sample(adaptive.KeyAblationRate)
	}
	if rate <= 0 {
		return false
	}
	p.mu.Lock()
	draw := p.rng.Float64()
	p.mu.Unlock()
	return draw < rate
}

// Plan splits candidates into injected and withheld learnings.
func (p *Planner) Plan(candidates []string, significant func(learningID string) bool) (inject, withhold []string) {
	for _, id := range candidates {
		if p.Withhold(significant != nil && significant(id)) {
			withhold = append(withhold, id)
		} else {
			inject = append(inject, id)
		}
	}
	return inject, withhold
}

// #endregion planner
