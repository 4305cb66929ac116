package poolchain_test

import (
	"testing"
	"time"

	"github.com/fogfactory/poolchain"
	"github.com/maxatome/go-testdeep/td"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	t.Run("success_item_outcomes", func(t *testing.T) {
		// Arrange
		metrics, err := poolchain.NewMetrics(prometheus.NewRegistry())
		td.Require(t).CmpNoError(err)
		p := NewPipeline(t, poolchain.WithMetrics(metrics)).
			AddThreadStage(failOnThree).
			AddThreadStage(sleepMillis, poolchain.WithTimeout(30*time.Millisecond))
		seq, err := p.ExecuteLazy(t.Context(), poolchain.Values([]int{1, 3, 200}))
		td.Require(t).CmpNoError(err)

		// Act
		for range seq {
		}

		// Assert
		td.Cmp(t, testutil.ToFloat64(metrics.Items("0", "thread", "ok")), 2.0)
		td.Cmp(t, testutil.ToFloat64(metrics.Items("0", "thread", "error")), 1.0)
		td.Cmp(t, testutil.ToFloat64(metrics.Items("1", "thread", "ok")), 1.0)
		td.Cmp(t, testutil.ToFloat64(metrics.Items("1", "thread", "timeout")), 1.0)
		td.Cmp(t, testutil.ToFloat64(metrics.PoolsActive("thread")), 0.0)
	})

	t.Run("error_registered_twice", func(t *testing.T) {
		// Arrange
		reg := prometheus.NewRegistry()
		_, err := poolchain.NewMetrics(reg)
		td.Require(t).CmpNoError(err)

		// Act
		_, err = poolchain.NewMetrics(reg)

		// Assert
		td.CmpError(t, err)
	})

	t.Run("success_unregistered", func(t *testing.T) {
		// Act
		metrics, err := poolchain.NewMetrics(nil)

		// Assert
		td.CmpNoError(t, err)
		td.CmpNotNil(t, metrics)
	})
}
