// Package errors attaches a classification to an error without losing the error itself.
package errors

import (
	"errors"
	"reflect"
)

// With returns an error that matches both base and top with errors.Is and errors.As. The
// message is the one of base. Typical use is tagging a cause with a sentinel:
//
//	With(recovered, resolution.ErrIllegalState)
func With(base, top error) error {
	switch {
	case base == nil:
		return top
	case top == nil:
		return base
	}
	return union{error: base, top: top}
}

type union struct {
	error
	top error
}

// Is matches only top itself; errors.Is then continues through Unwrap.
func (u union) Is(target error) bool {
	if target == nil {
		return false
	}
	if reflect.TypeOf(target).Comparable() && u.top == target {
		return true
	}
	if x, ok := u.top.(interface{ Is(error) bool }); ok && x.Is(target) {
		return true
	}
	return false
}

// As matches only top itself; errors.As then continues through Unwrap.
func (u union) As(target any) bool {
	if target == nil {
		panic("errors: target cannot be nil")
	}
	val := reflect.ValueOf(target)
	typ := val.Type()
	if typ.Kind() != reflect.Ptr || val.IsNil() {
		panic("errors: target must be a non-nil pointer")
	}
	targetType := typ.Elem()
	if targetType.Kind() != reflect.Interface && !targetType.Implements(errorType) {
		panic("errors: *target must be interface or implement error")
	}
	if reflect.TypeOf(u.top).AssignableTo(targetType) {
		val.Elem().Set(reflect.ValueOf(u.top))
		return true
	}
	if x, ok := u.top.(interface{ As(any) bool }); ok && x.As(target) {
		return true
	}
	return false
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Unwrap walks the chain of top first and falls back to base once top is exhausted.
func (u union) Unwrap() error {
	if err := errors.Unwrap(u.top); err != nil {
		return union{error: u.error, top: err}
	}
	return u.error
}
