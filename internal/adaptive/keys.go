package adaptive

// #region keys

// Well-known parameter keys shared across sessions.
const (
	KeyFailureThreshold     = "breaker.failure_threshold"
	KeyFrustrationThreshold = "breaker.frustration_threshold"
	KeyActivationThreshold  = "attribution.activation_threshold"
	KeyAblationRate         = "attribution.ablation_rate"
)

// DefaultPriors returns the starting beliefs for the well-known keys.
// Unknown keys start from the uninformed prior.
func DefaultPriors() map[string]Parameter {
	return map[string]Parameter{
		KeyFailureThreshold:     NewParameterWithPrior(3, 2), // ~3 of 5 failures
		KeyFrustrationThreshold: NewParameterWithPrior(7, 3),
		KeyActivationThreshold:  NewParameterWithPrior(3, 7),
		KeyAblationRate:         NewParameterWithPrior(1, 9),
	}
}

// #endregion keys
