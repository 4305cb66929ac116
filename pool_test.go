package poolchain_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fogfactory/poolchain"
	"github.com/maxatome/go-testdeep/td"
	"github.com/samber/lo"
)

func InitPool(t testing.TB, kind poolchain.Kind, size int, opts ...poolchain.Option) *poolchain.Pool {
	pool, err := poolchain.NewPool(kind, size, opts...)
	td.Require(t).CmpNoError(err)
	t.Cleanup(func() { pool.Shutdown(true) })
	return pool
}

func TestPool(t *testing.T) {
	inc := poolchain.Pure(func(i int) int { return i + 1 })
	incAll := func(input []int) []any {
		return lo.Map(input, func(i, _ int) any { return i + 1 })
	}

	t.Run("success_default_size", func(t *testing.T) {
		// Arrange
		cfg := poolchain.DefaultConfig()
		cfg.ThreadWorkers = 3

		// Act
		pool := InitPool(t, poolchain.Thread, 0, poolchain.WithConfig(cfg))

		// Assert
		td.Cmp(t, pool.Kind(), poolchain.Thread)
		td.Cmp(t, pool.Cap(), 3)
	})

	t.Run("error_unknown_kind", func(t *testing.T) {
		// Act
		_, err := poolchain.NewPool(poolchain.Kind(0), 1)

		// Assert
		td.CmpErrorIs(t, err, poolchain.ErrValidation)
	})

	t.Run("error_invalid_config", func(t *testing.T) {
		for _, kind := range []poolchain.Kind{poolchain.Thread, poolchain.Process} {
			// Arrange
			cfg := poolchain.DefaultConfig()
			cfg.ThreadWorkers = -1
			cfg.ProcessWorkers = -1

			// Act
			_, err := poolchain.NewPool(kind, 0, poolchain.WithConfig(cfg))

			// Assert
			td.CmpErrorIs(t, err, poolchain.ErrValidation, "kind %s", kind)
		}
	})

	t.Run("map_pool_size_1", func(t *testing.T) {
		// Arrange
		pool := InitPool(t, poolchain.Thread, 1)
		input := lo.Range(10)
		in := poolchain.FromChannel(lo.SliceToChannel(0, input))

		// Act
		out := pool.Map(t.Context(), inc, liftAll(in), poolchain.MapOptions{})

		// Assert
		results, err := poolchain.Collect[any](out)
		td.CmpNoError(t, err)
		td.Cmp(t, results, incAll(input))
	})

	t.Run("map_pool_size_10", func(t *testing.T) {
		// Arrange
		pool := InitPool(t, poolchain.Thread, 10)
		input := lo.Range(100)
		in := poolchain.FromChannel(lo.SliceToChannel(0, input))

		// Act
		out := pool.Map(t.Context(), inc, liftAll(in), poolchain.MapOptions{})

		// Assert
		results, err := poolchain.Collect[any](out)
		td.CmpNoError(t, err)
		// Unlike a plain fan-out, several workers still give the results back in input order
		td.Cmp(t, results, incAll(input))
	})

	t.Run("map_chunked", func(t *testing.T) {
		// Arrange
		pool := InitPool(t, poolchain.Thread, 3)
		input := lo.Range(23)

		// Act
		out := pool.Map(t.Context(), inc, liftAll(poolchain.Values(input)), poolchain.MapOptions{ChunkSize: 4})

		// Assert
		results, err := poolchain.Collect[any](out)
		td.CmpNoError(t, err)
		td.Cmp(t, results, incAll(input))
	})

	t.Run("map_upstream_errors_pass_through", func(t *testing.T) {
		// Arrange
		pool := InitPool(t, poolchain.Thread, 2)
		upstream := errors.New("upstream")
		var calls atomic.Int32
		count := poolchain.Pure(func(i int) int { calls.Add(1); return i })
		in := func(yield func(any, error) bool) {
			_ = yield(1, nil) && yield(nil, upstream) && yield(3, nil)
		}

		// Act
		var errs []error
		for _, err := range pool.Map(t.Context(), count, in, poolchain.MapOptions{Stage: 4}) {
			errs = append(errs, err)
		}

		// Assert
		td.CmpLen(t, errs, 3)
		td.Cmp(t, errs[1], upstream, "the error is not wrapped again")
		td.Cmp(t, calls.Load(), int32(2))
	})

	t.Run("success_workers_run_in_parallel", func(t *testing.T) {
		// Arrange
		pool := InitPool(t, poolchain.Thread, 2)
		rendezvous := make(chan bool)
		var deadlock atomic.Bool
		meet := poolchain.Pure(func(i int) int {
			// Both items meet only when they run in separate workers
			select {
			case rendezvous <- true:
			case <-rendezvous:
			case <-time.After(200 * time.Millisecond):
				deadlock.Store(true)
			}
			return i
		})

		// Act
		first := pool.Submit(meet, 1, 0)
		second := pool.Submit(meet, 2, 0)

		// Assert
		_, err := first.Result(t.Context())
		td.CmpNoError(t, err)
		_, err = second.Result(t.Context())
		td.CmpNoError(t, err)
		td.CmpFalse(t, deadlock.Load(), "Deadlock detected. Items are not run in several workers")
	})

	t.Run("success_submit", func(t *testing.T) {
		// Arrange
		pool := InitPool(t, poolchain.Thread, 2)

		// Act
		futures := lo.Map([]int{4, 5, 6}, func(i, _ int) *poolchain.Future { return pool.Submit(stringify, i, 0) })

		// Assert
		for i, f := range futures {
			out, err := poolchain.Await[string](t.Context(), f)
			td.CmpNoError(t, err)
			td.Cmp(t, out, []string{"4", "5", "6"}[i])
		}
	})

	t.Run("error_submit_timeout", func(t *testing.T) {
		// Arrange
		pool := InitPool(t, poolchain.Thread, 1)

		// Act
		_, err := pool.Submit(sleepMillis, 200, 20*time.Millisecond).Result(t.Context())

		// Assert
		td.CmpErrorIs(t, err, poolchain.ErrTimeout)
	})

	t.Run("error_submit_after_shutdown", func(t *testing.T) {
		// Arrange
		pool, err := poolchain.NewPool(poolchain.Thread, 1)
		td.Require(t).CmpNoError(err)
		pool.Shutdown(true)

		// Act
		_, err = pool.Submit(inc, 1, 0).Result(t.Context())

		// Assert
		td.CmpErrorIs(t, err, poolchain.ErrPoolClosed)
	})

	t.Run("success_shutdown_waits_and_is_idempotent", func(t *testing.T) {
		// Arrange
		pool, err := poolchain.NewPool(poolchain.Thread, 1)
		td.Require(t).CmpNoError(err)
		f := pool.Submit(sleepMillis, 50, 0)

		// Act
		pool.Shutdown(true)
		pool.Shutdown(true)

		// Assert
		select {
		case <-f.Done():
		default:
			t.Fatal("shutdown returned before the submitted item was processed")
		}
		out, err := poolchain.Await[int](t.Context(), f)
		td.CmpNoError(t, err)
		td.Cmp(t, out, 50)
	})
}

func liftAll(in func(func(any) bool)) func(func(any, error) bool) {
	return func(yield func(any, error) bool) {
		for v := range in {
			if !yield(v, nil) {
				return
			}
		}
	}
}
