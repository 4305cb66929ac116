package poolchain

import (
	"fmt"
	"iter"
	"reflect"

	"github.com/samber/lo"
)

// Values returns an input sequence over a typed slice.
func Values[T any](items []T) iter.Seq[any] {
	return func(yield func(any) bool) {
		for _, item := range items {
			if !yield(item) {
				return
			}
		}
	}
}

// FromSeq converts a typed sequence into an input sequence.
func FromSeq[T any](seq iter.Seq[T]) iter.Seq[any] {
	return func(yield func(any) bool) {
		for item := range seq {
			if !yield(item) {
				return
			}
		}
	}
}

// FromChannel returns an input sequence reading ch until it is closed.
func FromChannel[T any](ch <-chan T) iter.Seq[any] {
	return func(yield func(any) bool) {
		for item := range ch {
			if !yield(item) {
				return
			}
		}
	}
}

// Collect drains a result sequence into a typed slice. It stops at the first error.
func Collect[T any](seq iter.Seq2[any, error]) ([]T, error) {
	results, err := drain(seq)
	if err != nil {
		return nil, err
	}
	return As[T](results)
}

// As asserts every value of results to T.
func As[T any](results []any) ([]T, error) {
	var err error
	typed := lo.Map(results, func(v any, i int) T {
		out, ok := v.(T)
		if !ok && v != nil && err == nil {
			err = fmt.Errorf("%w: result %d is %T, want %v", ErrTypeMismatch, i, v, reflect.TypeFor[T]())
		}
		return out
	})
	if err != nil {
		return nil, err
	}
	return typed, nil
}
