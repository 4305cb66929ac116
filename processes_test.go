package poolchain_test

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/fogfactory/poolchain"
	"github.com/maxatome/go-testdeep/td"
	"github.com/samber/lo"
)

func TestProcesses(t *testing.T) {
	t.Run("success_process_stages", func(t *testing.T) {
		// Arrange
		p := NewPipeline(t).
			AddProcessStage(timesTen, poolchain.WithMaxWorkers(2)).
			AddProcessStage(stringify, poolchain.WithMaxWorkers(2))

		// Act
		results, err := p.ExecuteEager(t.Context(), poolchain.Values([]int{1, 2, 3}))

		// Assert
		td.CmpNoError(t, err)
		td.Cmp(t, results, []any{"10", "20", "30"})
	})

	t.Run("success_mixed_stages_match_sequential", func(t *testing.T) {
		// Arrange
		p := NewPipeline(t).
			AddThreadStage(poolchain.Pure(func(i int) int { return i - 3 })).
			AddProcessStage(timesTen, poolchain.WithMaxWorkers(3), poolchain.WithChunkSize(4)).
			AddThreadStage(stringify)
		input := lo.Range(41)

		// Act
		concurrent, err := p.ExecuteEager(t.Context(), poolchain.Values(input))
		td.Require(t).CmpNoError(err)
		sequential, err := p.ExecuteEagerSequential(poolchain.Values(input))
		td.Require(t).CmpNoError(err)

		// Assert
		td.Cmp(t, concurrent, sequential)
	})

	t.Run("success_runs_in_other_processes", func(t *testing.T) {
		// Arrange
		pool := InitPool(t, poolchain.Process, 2)

		// Act
		pids, err := poolchain.Collect[int](pool.Map(t.Context(), pid, liftAll(poolchain.Values(lo.Range(20))), poolchain.MapOptions{}))

		// Assert
		td.CmpNoError(t, err)
		td.CmpLen(t, pool.Workers(), 2)
		td.Cmp(t, lo.Uniq(pids), td.SubBagOf(lo.ToAnySlice(pool.Workers())...))
		td.CmpNot(t, pids, td.Contains(os.Getpid()), "nothing runs in the parent process")
	})

	t.Run("error_remote_failure_at_position", func(t *testing.T) {
		// Arrange
		p := NewPipeline(t).AddProcessStage(failOnThree, poolchain.WithMaxWorkers(1))
		seq, err := p.ExecuteLazy(t.Context(), poolchain.Values([]int{1, 3, 4}))
		td.Require(t).CmpNoError(err)

		// Act
		var values []any
		var errs []error
		for v, err := range seq {
			values = append(values, v)
			errs = append(errs, err)
		}

		// Assert
		td.Cmp(t, values, []any{1, nil, 4})
		var remote *poolchain.RemoteError
		td.Require(t).True(errors.As(errs[1], &remote))
		td.Cmp(t, remote.Func, "test.fail_on_three")
		td.Cmp(t, remote.Message, "three is not allowed")
		td.CmpFalse(t, errors.Is(errs[1], poolchain.ErrPanic), "a returned error is not a panic")
	})

	t.Run("error_remote_panic", func(t *testing.T) {
		// Arrange
		pool := InitPool(t, poolchain.Process, 1)

		// Act
		_, err := pool.Submit(panicking, 1, 0).Result(t.Context())

		// Assert
		td.CmpErrorIs(t, err, poolchain.ErrPanic)
		td.CmpContains(t, err.Error(), "boom")
	})

	t.Run("error_remote_type_mismatch", func(t *testing.T) {
		// Arrange
		pool := InitPool(t, poolchain.Process, 1)

		// Act
		_, err := pool.Submit(timesTen, "ten", 0).Result(t.Context())

		// Assert
		td.CmpErrorIs(t, err, poolchain.ErrTypeMismatch)
	})

	t.Run("error_remote_timeout", func(t *testing.T) {
		// Arrange
		p := NewPipeline(t).AddProcessStage(sleepMillis, poolchain.WithTimeout(100*time.Millisecond))
		seq, err := p.ExecuteLazy(t.Context(), poolchain.Values([]int{1, 400, 2}))
		td.Require(t).CmpNoError(err)

		// Act
		var values []any
		var errs []error
		for v, err := range seq {
			values = append(values, v)
			errs = append(errs, err)
		}

		// Assert
		td.Cmp(t, values, []any{1, nil, 2})
		td.CmpNoError(t, errs[0])
		td.CmpErrorIs(t, errs[1], poolchain.ErrTimeout)
		td.CmpNoError(t, errs[2])
	})

	t.Run("success_chunked_items_timed_one_by_one", func(t *testing.T) {
		// Arrange
		p := NewPipeline(t).AddProcessStage(sleepMillis,
			poolchain.WithMaxWorkers(1), poolchain.WithChunkSize(3), poolchain.WithTimeout(150*time.Millisecond))

		// Act
		results, err := p.ExecuteEager(t.Context(), poolchain.Values([]int{100, 100, 100}))

		// Assert
		td.CmpNoError(t, err, "each item stays within its own bound")
		td.Cmp(t, results, []any{100, 100, 100})
	})

	t.Run("error_chunked_timeout_only_on_slow_item", func(t *testing.T) {
		// Arrange
		p := NewPipeline(t).AddProcessStage(sleepMillis,
			poolchain.WithMaxWorkers(1), poolchain.WithChunkSize(3), poolchain.WithTimeout(150*time.Millisecond))
		seq, err := p.ExecuteLazy(t.Context(), poolchain.Values([]int{50, 400, 50}))
		td.Require(t).CmpNoError(err)

		// Act
		var values []any
		var errs []error
		for v, err := range seq {
			values = append(values, v)
			errs = append(errs, err)
		}

		// Assert
		td.Cmp(t, values, []any{50, nil, 50})
		td.CmpNoError(t, errs[0])
		td.CmpErrorIs(t, errs[1], poolchain.ErrTimeout)
		td.CmpNoError(t, errs[2], "the item after a slow one gets its own timer")
	})

	t.Run("error_anonymous_function_submitted", func(t *testing.T) {
		// Arrange
		pool := InitPool(t, poolchain.Process, 1)

		// Act
		_, err := pool.Submit(poolchain.Pure(func(i int) int { return i }), 1, 0).Result(t.Context())

		// Assert
		td.CmpErrorIs(t, err, poolchain.ErrValidation)
	})
}

func TestServe(t *testing.T) {
	serve := func(t *testing.T, requests ...string) []string {
		t.Helper()
		var out strings.Builder
		err := poolchain.Serve(strings.NewReader(strings.Join(requests, "\n")), &out)
		td.Require(t).CmpNoError(err)
		var lines []string
		scanner := bufio.NewScanner(strings.NewReader(out.String()))
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		return lines
	}

	t.Run("success_handshake_then_results", func(t *testing.T) {
		// Act
		lines := serve(t, `{"func":"test.times_ten","items":[1,2]}`)

		// Assert
		td.Cmp(t, lines, []string{
			`{"ready":true}`,
			`{"result":{"value":10}}`,
			`{"result":{"value":20}}`,
		})
	})

	t.Run("error_unknown_function", func(t *testing.T) {
		// Act
		lines := serve(t, `{"func":"test.unknown","items":[1]}`)

		// Assert
		td.CmpLen(t, lines, 2)
		result := decodeResult(t, lines[1])
		td.Cmp(t, result.Code, "unknown_func")
		td.CmpContains(t, result.Error, "test.unknown")
	})

	t.Run("error_type_mismatch", func(t *testing.T) {
		// Act
		lines := serve(t, `{"func":"test.times_ten","items":["ten"]}`)

		// Assert
		result := decodeResult(t, lines[1])
		td.Cmp(t, result.Code, "type_mismatch")
	})

	t.Run("error_malformed_request", func(t *testing.T) {
		// Act
		err := poolchain.Serve(strings.NewReader("{"), &strings.Builder{})

		// Assert
		td.CmpError(t, err)
	})
}

type served struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeResult(t *testing.T, line string) served {
	t.Helper()
	var resp struct {
		Result *served `json:"result"`
	}
	td.Require(t).CmpNoError(json.Unmarshal([]byte(line), &resp))
	td.Require(t).NotNil(resp.Result)
	return *resp.Result
}
