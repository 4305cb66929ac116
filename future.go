package poolchain

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// Future is the pending result of one item submitted to a Pool.
type Future struct {
	once sync.Once
	done chan struct{}
	val  any
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func resolvedFuture(val any, err error) *Future {
	f := newFuture()
	f.resolve(val, err)
	return f
}

// resolve settles the future. Only the first call wins; it reports whether it did.
func (f *Future) resolve(val any, err error) bool {
	won := false
	f.once.Do(func() {
		f.val, f.err = val, err
		close(f.done)
		won = true
	})
	return won
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result blocks until the result is available or ctx is done.
func (f *Future) Result(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Await waits for f and asserts its result to T.
func Await[T any](ctx context.Context, f *Future) (T, error) {
	var zero T
	v, err := f.Result(ctx)
	if err != nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok && v != nil {
		return zero, fmt.Errorf("%w: got %T, want %v", ErrTypeMismatch, v, reflect.TypeFor[T]())
	}
	return out, nil
}
