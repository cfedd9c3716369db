package seq

import (
	"errors"
	"iter"
	"testing"

	"github.com/stretchr/testify/require"
)

func numbers(n int, failAt int) iter.Seq2[int, error] {
	return func(yield func(int, error) bool) {
		for i := 0; i < n; i++ {
			if i == failAt {
				yield(0, errors.New("boom"))
				return
			}
			if !yield(i, nil) {
				return
			}
		}
	}
}

func TestReader(t *testing.T) {
	t.Run("read_in_chunks", func(t *testing.T) {
		r := NewReader(numbers(5, -1))
		buf := make([]int, 3)

		n, err := r.Read(buf)
		require.NoError(t, err)
		require.Equal(t, 3, n)
		require.Equal(t, []int{0, 1, 2}, buf)

		n, err = r.Read(buf)
		require.NoError(t, err)
		require.Equal(t, 2, n)

		n, err = r.Read(buf)
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("error_ends_sequence", func(t *testing.T) {
		r := NewReader(numbers(5, 1))
		v, err, ok := r.Next()
		require.True(t, ok)
		require.NoError(t, err)
		require.Equal(t, 0, v)

		_, err, ok = r.Next()
		require.True(t, ok)
		require.Error(t, err)

		_, _, ok = r.Next()
		require.False(t, ok)
	})

	t.Run("close_early", func(t *testing.T) {
		r := NewReader(numbers(100, -1))
		_, _, ok := r.Next()
		require.True(t, ok)
		require.NoError(t, r.Close())
		_, _, ok = r.Next()
		require.False(t, ok)
	})
}
