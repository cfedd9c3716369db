// Package concurrency runs independent pieces of work on goroutines.
package concurrency

import (
	"context"

	"github.com/sourcegraph/conc/pool"
)

type indexed[T any] struct {
	index int
	value T
}

// Gather calls fn for every item on at most limit goroutines and returns the results in
// the order of items, whatever order the calls finish in. The first error cancels the
// context of the calls still running and is the error returned.
func Gather[In, Out any](ctx context.Context, limit int, items []In, fn func(context.Context, In) (Out, error)) ([]Out, error) {
	p := pool.NewWithResults[indexed[Out]]().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError()
	if limit > 0 {
		p = p.WithMaxGoroutines(limit)
	}

	for i, item := range items {
		p.Go(func(ctx context.Context) (indexed[Out], error) {
			value, err := fn(ctx, item)
			return indexed[Out]{index: i, value: value}, err
		})
	}
	finished, err := p.Wait()
	if err != nil {
		return nil, err
	}

	out := make([]Out, len(items))
	for _, f := range finished {
		out[f.index] = f.value
	}
	return out, nil
}

// Send delivers v on ch unless ctx is done first, in which case it returns the context error.
func Send[T any](ctx context.Context, ch chan<- T, v T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case ch <- v:
		return nil
	}
}
