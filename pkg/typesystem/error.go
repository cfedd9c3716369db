// Package typesystem contains the schema of a typed graph.
package typesystem

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateTypes    = errors.New("a schema cannot contain duplicate types")
	ErrInvalidSchema     = errors.New("invalid schema encountered")
	ErrTypeNotFound      = errors.New("type not found")
	ErrRootMismatch      = errors.New("type root mismatch")
	ErrTypeHasInstances  = errors.New("type still has instances")
	ErrTypeHasSubtypes   = errors.New("type still has subtypes")
	ErrReservedLabel     = errors.New("reserved type label")
	ErrUndefinedRoleType = errors.New("undefined role type")
)

// TypeNotFoundError is returned when a label does not name any type in the schema.
type TypeNotFoundError struct {
	Label string
}

func (e *TypeNotFoundError) Error() string {
	return fmt.Sprintf("'%s' is an undefined type", e.Label)
}

func (e *TypeNotFoundError) Unwrap() error {
	return ErrTypeNotFound
}

// RootMismatchError is returned when a type is used as a kind it does not descend from,
// for example an entity type read as a relation type.
type RootMismatchError struct {
	Label    string
	Expected Kind
	Actual   Kind
}

func (e *RootMismatchError) Error() string {
	return fmt.Sprintf("type '%s' is a %s type but was expected to be a %s type", e.Label, e.Actual, e.Expected)
}

func (e *RootMismatchError) Unwrap() error {
	return ErrRootMismatch
}

type InvalidTypeError struct {
	Label string
	Cause error
}

func (e *InvalidTypeError) Error() string {
	return fmt.Sprintf("the definition of type '%s' is invalid: %s", e.Label, e.Cause)
}

func (e *InvalidTypeError) Unwrap() error {
	return e.Cause
}

// HasInstancesError rejects undefining a type that is still instantiated.
type HasInstancesError struct {
	Label string
}

func (e *HasInstancesError) Error() string {
	return fmt.Sprintf("cannot undefine type '%s' because it still has instances", e.Label)
}

func (e *HasInstancesError) Unwrap() error {
	return ErrTypeHasInstances
}
