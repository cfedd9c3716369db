package storage

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/typegraph/reasoner/internal/seq"
)

var ErrIteratorDone = errors.New("iterator done")

type Iterator[T any] interface {
	// Next will return the next available item. It returns ErrIteratorDone once the items are exhausted.
	// If the context is cancelled or times out, it returns the context error.
	Next(ctx context.Context) (T, error)
	// Stop terminates iteration over the underlying iterator.
	Stop()
}

type staticIterator[T any] struct {
	items []T
	mu    sync.Mutex
}

// NewStaticIterator returns an Iterator that iterates over the provided slice.
func NewStaticIterator[T any](items []T) Iterator[T] {
	return &staticIterator[T]{items: items}
}

func (s *staticIterator[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.items) == 0 {
		return zero, ErrIteratorDone
	}

	next := s.items[0]
	s.items = s.items[1:]
	return next, nil
}

func (s *staticIterator[T]) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
}

type seqIterator[T any] struct {
	reader *seq.Reader[T]
}

// NewSeqIterator returns an Iterator that lazily pulls from the given sequence. Every
// element is produced on demand, so an abandoned iterator costs no further work once
// Stop is called.
func NewSeqIterator[T any](s iter.Seq2[T, error]) Iterator[T] {
	return &seqIterator[T]{reader: seq.NewReader(s)}
}

func (s *seqIterator[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}

	value, err, ok := s.reader.Next()
	if err != nil {
		return zero, err
	}
	if !ok {
		return zero, ErrIteratorDone
	}
	return value, nil
}

func (s *seqIterator[T]) Stop() {
	_ = s.reader.Close()
}

type filteredIterator[T any] struct {
	iter   Iterator[T]
	filter func(T) bool
}

// NewFilteredIterator returns an Iterator yielding only the items accepted by filter.
func NewFilteredIterator[T any](iter Iterator[T], filter func(T) bool) Iterator[T] {
	return &filteredIterator[T]{iter: iter, filter: filter}
}

func (f *filteredIterator[T]) Next(ctx context.Context) (T, error) {
	for {
		item, err := f.iter.Next(ctx)
		if err != nil {
			return item, err
		}
		if f.filter(item) {
			return item, nil
		}
	}
}

func (f *filteredIterator[T]) Stop() {
	f.iter.Stop()
}

type combinedIterator[T any] struct {
	pending []Iterator[T]
}

// NewCombinedIterator takes generic iterators of a given type T and combines them into a single iterator that yields
// all of the values from each iterator in turn. Duplicates are returned as they come.
func NewCombinedIterator[T any](iters ...Iterator[T]) Iterator[T] {
	return &combinedIterator[T]{pending: iters}
}

func (c *combinedIterator[T]) Next(ctx context.Context) (T, error) {
	for len(c.pending) > 0 {
		val, err := c.pending[0].Next(ctx)
		if err == nil {
			return val, nil
		}
		if !errors.Is(err, ErrIteratorDone) {
			return val, err
		}
		c.pending[0].Stop()
		c.pending = c.pending[1:]
	}
	var zero T
	return zero, ErrIteratorDone
}

func (c *combinedIterator[T]) Stop() {
	for _, it := range c.pending {
		it.Stop()
	}
	c.pending = nil
}

// Collect drains the iterator into a slice and stops it.
func Collect[T any](ctx context.Context, it Iterator[T]) ([]T, error) {
	defer it.Stop()
	var out []T
	for {
		item, err := it.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrIteratorDone) {
				return out, nil
			}
			return nil, err
		}
		out = append(out, item)
	}
}
