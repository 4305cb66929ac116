package poolchain

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeOK      = "ok"
	outcomeError   = "error"
	outcomeTimeout = "timeout"
)

// Metrics collects Prometheus metrics of pools and stages. A nil *Metrics records nothing.
type Metrics struct {
	items    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	pools    *prometheus.GaugeVec
}

// NewMetrics creates the poolchain collectors and registers them on reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poolchain",
			Name:      "items_total",
			Help:      "Items processed by stage, pool kind and outcome.",
		}, []string{"stage", "kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "poolchain",
			Name:      "item_duration_seconds",
			Help:      "Time spent running a stage function on one item.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage", "kind"}),
		pools: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "poolchain",
			Name:      "pools_active",
			Help:      "Pools created and not yet shut down.",
		}, []string{"kind"}),
	}
	if reg == nil {
		return m, nil
	}
	var errs []error
	for _, c := range []prometheus.Collector{m.items, m.duration, m.pools} {
		errs = append(errs, reg.Register(c))
	}
	return m, errors.Join(errs...)
}

func (m *Metrics) observe(stage string, kind Kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.items.WithLabelValues(stage, kind.String(), outcome).Inc()
	if outcome != outcomeTimeout {
		m.duration.WithLabelValues(stage, kind.String()).Observe(d.Seconds())
	}
}

func (m *Metrics) poolStarted(kind Kind) {
	if m == nil {
		return
	}
	m.pools.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) poolStopped(kind Kind) {
	if m == nil {
		return
	}
	m.pools.WithLabelValues(kind.String()).Dec()
}
