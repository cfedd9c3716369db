package stack

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStack(t *testing.T) {
	t.Run("push_creates_new_stack", func(t *testing.T) {
		root := Push[string](nil, "root")
		child := Push(root, "conjunction")

		require.Equal(t, "conjunction", child.Value)
		require.Equal(t, 1, Len(root))
		require.Equal(t, 2, Len(child))
	})

	t.Run("pop_does_not_affect_original", func(t *testing.T) {
		first := Push[string](nil, "root")

		val, second := Pop(first)
		require.Equal(t, "root", val)
		require.Nil(t, second)
		require.Equal(t, "root", first.Value)
	})

	t.Run("pop_on_empty_stack_panics", func(t *testing.T) {
		require.Panics(t, func() {
			Pop[string](nil)
		})
	})

	t.Run("contains_walks_all_entries", func(t *testing.T) {
		path := Push(Push(Push[string](nil, "root"), "concludable"), "conclusion")

		require.True(t, Contains(path, func(v string) bool { return v == "root" }))
		require.True(t, Contains(path, func(v string) bool { return v == "conclusion" }))
		require.False(t, Contains(path, func(v string) bool { return v == "negation" }))
		require.False(t, Contains[string](nil, func(string) bool { return true }))
	})

	t.Run("branches_are_independent", func(t *testing.T) {
		root := Push[int](nil, 1)
		left := Push(root, 2)
		right := Push(root, 3)

		require.Equal(t, []int{1, 2}, Values(left))
		require.Equal(t, []int{1, 3}, Values(right))
		require.Empty(t, Values[int](nil))
	})
}
