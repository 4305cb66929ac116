package poolchain

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
)

// Serve runs the worker protocol on arbitrary streams.
func Serve(r io.Reader, w io.Writer) error {
	return serve(r, w)
}

// Workers returns the pids of the worker processes of a process pool.
func (p *Pool) Workers() []int {
	if p == nil || p.workers == nil {
		return nil
	}
	p.workers.mu.Lock()
	defer p.workers.mu.Unlock()
	pids := make([]int, 0, len(p.workers.all))
	for _, w := range p.workers.all {
		pids = append(pids, w.cmd.Process.Pid)
	}
	return pids
}

// PoolsActive returns the active pools gauge of a pool kind.
func (m *Metrics) PoolsActive(kind string) prometheus.Gauge {
	return m.pools.WithLabelValues(kind)
}

// Items returns the items counter of a stage label, kind and outcome.
func (m *Metrics) Items(stage, kind, outcome string) prometheus.Counter {
	return m.items.WithLabelValues(stage, kind, outcome)
}
