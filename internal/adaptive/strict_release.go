//go:build !assessordebug

package adaptive

const strictChecks = false
