package utils

import "manifold/core/log"

// AssertInvariant panics with a logged message when an internal invariant
// does not hold. Use only for programmer errors, never for runtime input.
func AssertInvariant(condition bool, message string) {
	if !condition {
		log.Error("❌ Invariant violation: %s", message)
		panic("invariant violation: " + message)
	}
}
