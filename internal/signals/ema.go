package signals

// #region ema

// EMA is an exponentially weighted moving average in [0,1].
type EMA struct {
	decay float64
	value float64
	n     int
}

// NewEMA creates a tracker; decay is the share of the previous value kept
// on each observation.
func NewEMA(decay float64) EMA {
	return EMA{decay: clamp(decay)}
}

// Observe folds x (clamped to [0,1]) into the average.
func (e *EMA) Observe(x float64) float64 {
	e.value = e.decay*e.value + (1-e.decay)*clamp(x)
	e.n++
	return e.value
}

// Value returns the current average.
func (e EMA) Value() float64 { return e.value }

// Count returns how many observations were folded in.
func (e EMA) Count() int { return e.n }

// #endregion ema

// #region helpers

// clamp restricts v to [0, 1].
func clamp(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// #endregion helpers
