package appointment

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is matched by every *TransitionError.
var ErrIllegalTransition = errors.New("illegal status transition")

// TransitionError reports a status change that the lifecycle table forbids.
// The appointment is left untouched.
type TransitionError struct {
	From Status
	To   Status
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal status transition from %s to %s", e.From, e.To)
}

// Is makes errors.Is(err, ErrIllegalTransition) true.
func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// NewTransitionError builds a TransitionError.
func NewTransitionError(from, to Status) *TransitionError {
	return &TransitionError{From: from, To: to}
}
