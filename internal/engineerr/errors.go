// Package engineerr defines the small set of error types that cross package
// boundaries inside the speculative execution engine.
//
// Ordinary predicate outcomes (a candidate that is not interesting) are never
// represented as errors; they are Task status values. These types exist for
// the failure modes that abort a run rather than drive it.
package engineerr

import "fmt"

// InvariantViolation reports a state the engine believes is impossible, such
// as traversing into a Discarded branch or a reap that did not return the
// expected child. It is not a recoverable condition: the caller should abort
// with the wrapped diagnostic.
type InvariantViolation struct {
	Msg string
}

func (e *InvariantViolation) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("invariant violation: %s", e.Msg)
}

// NewInvariantViolation builds an InvariantViolation with a formatted message.
func NewInvariantViolation(format string, args ...any) *InvariantViolation {
	return &InvariantViolation{Msg: fmt.Sprintf(format, args...)}
}
