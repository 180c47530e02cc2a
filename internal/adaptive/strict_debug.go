//go:build assessordebug

package adaptive

// strictChecks makes contract violations panic in debug builds.
const strictChecks = true
