package seq

import "iter"

// Reader provides pull-style access to an iter.Seq2 of values and errors.
//
// Reader exists so that a lazily generated sequence (for example a backtracking search)
// can be advanced one element per message by an actor, instead of being consumed by a
// single range loop.
type Reader[T any] struct {
	// next is the function returned by iter.Pull2 that provides the next available
	// element from the sequence.
	next func() (T, error, bool)

	// stop is the function returned by iter.Pull2 that signals that the sequence will
	// no longer be iterated.
	stop func()

	done bool
}

// Next returns the next element of the sequence. The boolean result is false once the
// sequence is exhausted; subsequent calls keep returning false. An element carrying a
// non-nil error ends the sequence.
func (r *Reader[T]) Next() (T, error, bool) {
	var zero T
	if r.done {
		return zero, nil, false
	}

	value, err, ok := r.next()
	if !ok || err != nil {
		r.done = true
		r.stop()
	}
	if !ok {
		return zero, nil, false
	}
	return value, err, true
}

// Read fills the given buffer with elements from the sequence and returns how many were
// read. A count lower than the length of the buffer means the sequence is complete. Read
// stops at the first error.
func (r *Reader[T]) Read(buf []T) (int, error) {
	var head int

	for head < len(buf) {
		value, err, ok := r.Next()
		if err != nil {
			return head, err
		}
		if !ok {
			break
		}

		buf[head] = value
		head++
	}
	return head, nil
}

// Close indicates that the caller will not continue to read from the sequence.
func (r *Reader[T]) Close() error {
	r.done = true
	r.stop()
	return nil
}

// NewReader constructs a new Reader that wraps the given sequence.
func NewReader[T any](seq iter.Seq2[T, error]) *Reader[T] {
	next, stop := iter.Pull2(seq)
	return &Reader[T]{
		next: next,
		stop: stop,
	}
}
