package storage

import (
	"errors"
	"fmt"
)

var (
	// Creation errors

	// ErrCollision if an item already exists within the store.
	ErrCollision = errors.New("item already exists")

	// Write errors

	// ErrInvalidWriteInput if a written edge or thing does not conform to the schema.
	ErrInvalidWriteInput = errors.New("invalid write input")

	// Shared errors

	ErrCancelled = errors.New("request has been cancelled")
	ErrNotFound  = errors.New("not found")
)

// InvalidWriteInputError describes why a write was rejected.
func InvalidWriteInputError(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidWriteInput)
}
