package resolution

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalState reports a broken invariant of the resolution protocol.
	ErrIllegalState = errors.New("illegal resolution state")
	// ErrInvalidCasting is raised when a response is read as the wrong variant.
	ErrInvalidCasting = errors.New("invalid response casting")
	// ErrTerminated is returned to callers of a registry that has already been terminated.
	ErrTerminated = errors.New("resolution was terminated")
)

func errIllegalResponse(resolver string) error {
	return fmt.Errorf("%w: %s never sends requests", ErrIllegalState, resolver)
}
