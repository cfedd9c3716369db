package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

var errIllegal = errors.New("illegal state")

type typeError struct {
	label string
}

func (e *typeError) Error() string {
	return fmt.Sprintf("type '%s' not found", e.label)
}

func TestWith(t *testing.T) {
	cause := &typeError{label: "person"}
	require.NotErrorIs(t, cause, errIllegal)

	tagged := With(cause, errIllegal)
	require.ErrorIs(t, tagged, errIllegal)
	require.Equal(t, cause.Error(), tagged.Error())

	var target *typeError
	require.ErrorAs(t, tagged, &target)
	require.Equal(t, "person", target.label)

	wrappedTop := With(errors.New("panic: boom"), fmt.Errorf("resolver: %w", errIllegal))
	require.ErrorIs(t, wrappedTop, errIllegal)
}

func TestWithNil(t *testing.T) {
	require.NoError(t, With(nil, nil))
	require.Equal(t, errIllegal, With(nil, errIllegal))
	require.Equal(t, errIllegal, With(errIllegal, nil))
}

func ExampleWith() {
	recovered := errors.New("runtime error: index out of range")
	err := With(recovered, errIllegal)

	fmt.Println(errors.Is(err, errIllegal))
	fmt.Println(err)
	// Output:
	// true
	// runtime error: index out of range
}
