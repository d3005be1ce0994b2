package jobmanager

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceExhausted is returned from Run when a chunk could not be
	// spawned within its RetryPolicy.
	ErrResourceExhausted = errors.New("resource exhausted")
)

// InvalidStateError is returned when attempting an invalid Worker or Runner
// state transition.
type InvalidStateError struct {
	from string
	to   string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("cannot go from %s to %s", e.from, e.to)
}

func NewInvalidStateError(from, to fmt.Stringer) InvalidStateError {
	return InvalidStateError{from.String(), to.String()}
}
