package poolchain

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/samber/lo"
)

// Pool is a bounded group of workers applying Funcs to items. Thread pools run the function in
// ants goroutines, process pools forward it to worker processes; both schedule their work through
// an ants pool sized to the worker count.
type Pool struct {
	kind    Kind
	size    int
	ants    *ants.Pool
	workers *workerSet // process pools only
	run     func(job, []*task)

	settings

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// MapOptions tunes one Map call.
type MapOptions struct {
	// Stage is the stage index reported in StageError.
	Stage int
	// Timeout bounds the processing time of each item. Zero means no bound.
	Timeout time.Duration
	// ChunkSize is the number of items handed to a worker at once. Values below 1 mean 1.
	ChunkSize int
}

// job is the work shared by every item of a batch.
type job struct {
	fn      Func
	timeout time.Duration
	label   string
	wrap    func(error) error
}

type task struct {
	in  any
	out *Future
}

// NewPool creates a pool of the given kind. A maxWorkers below 1 selects the configured default
// for the kind. An invalid configuration is reported before anything is started.
func NewPool(kind Kind, maxWorkers int, opts ...Option) (*Pool, error) {
	s := newSettings(opts)
	if err := s.config.Validate(); err != nil {
		return nil, err
	}
	if maxWorkers < 1 {
		maxWorkers = lo.Ternary(kind == Process, s.config.ProcessWorkers, s.config.ThreadWorkers)
	}

	p := &Pool{
		kind:     kind,
		size:     maxWorkers,
		settings: s,
		stopped:  make(chan struct{}),
	}
	p.log = s.log.With().Str("component", "pool").Stringer("kind", kind).Int("size", maxWorkers).Logger()

	switch kind {
	case Thread:
		p.run = p.runLocal
	case Process:
		workers, err := startWorkers(maxWorkers, s.config, p.log)
		if err != nil {
			return nil, err
		}
		p.workers = workers
		p.run = p.runRemote
	default:
		return nil, fmt.Errorf("%w: unknown pool kind %v", ErrValidation, kind)
	}

	pool, err := ants.NewPool(maxWorkers, ants.WithLogger(antsLogger{p.log}))
	if err != nil {
		if p.workers != nil {
			p.workers.stop()
		}
		return nil, fmt.Errorf("create %s pool: %w", kind, err)
	}
	p.ants = pool
	p.metrics.poolStarted(kind)
	p.log.Debug().Msg("pool started")
	return p, nil
}

// Kind returns the pool kind.
func (p *Pool) Kind() Kind { return p.kind }

// Cap returns the number of workers.
func (p *Pool) Cap() int { return p.size }

// Submit runs fn on v in the pool and returns its pending result. It blocks while every worker is
// busy. A positive timeout resolves the future with ErrTimeout if the call takes longer.
func (p *Pool) Submit(fn Func, v any, timeout time.Duration) *Future {
	t := &task{in: v, out: newFuture()}
	p.submit(job{
		fn:      fn,
		timeout: timeout,
		label:   lo.CoalesceOrEmpty(fn.Name(), "submit"),
		wrap:    func(err error) error { return err },
	}, []*task{t})
	return t.out
}

// Map applies fn to every item of in and yields the results in input order, whatever order the
// workers complete them in. Items already failed upstream are passed through untouched.
//
// Items are dispatched ahead of the consumer, up to the configured prefetch. Stopping the
// iteration or cancelling ctx stops dispatching; running calls are not interrupted.
func (p *Pool) Map(ctx context.Context, fn Func, in iter.Seq2[any, error], opts MapOptions) iter.Seq2[any, error] {
	chunk := max(opts.ChunkSize, 1)
	j := job{
		fn:      fn,
		timeout: opts.Timeout,
		label:   strconv.Itoa(opts.Stage),
		wrap: func(err error) error {
			return &StageError{Stage: opts.Stage, Func: fn.Name(), Err: err}
		},
	}

	return func(yield func(any, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		pending := make(chan *Future, max(p.config.PrefetchFactor, 1)*p.size*chunk)
		go func() {
			defer close(pending)
			p.dispatch(ctx, j, chunk, in, pending)
		}()
		defer func() {
			cancel()
			for range pending {
				// wait for the dispatcher to leave
			}
		}()

		for f := range pending {
			v, err := f.Result(ctx)
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			if !yield(v, err) {
				return
			}
		}
	}
}

// dispatch feeds pending with one future per input item, in input order, and submits the items in
// chunks. A chunk is flushed when full, at the end of the input, or before blocking on a full
// pending queue so the consumer never waits on an unsubmitted item.
func (p *Pool) dispatch(ctx context.Context, j job, chunk int, in iter.Seq2[any, error], pending chan<- *Future) {
	batch := make([]*task, 0, chunk)
	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		ok := p.submit(j, batch)
		batch = make([]*task, 0, chunk)
		return ok
	}

	for v, err := range in {
		var f *Future
		if err != nil {
			f = resolvedFuture(nil, err)
		} else {
			f = newFuture()
			batch = append(batch, &task{in: v, out: f})
		}

		select {
		case pending <- f:
		case <-ctx.Done():
			return
		default:
			if !flush() {
				return
			}
			select {
			case pending <- f:
			case <-ctx.Done():
				return
			}
		}

		if len(batch) == chunk && !flush() {
			return
		}
	}
	flush()
}

// submit schedules a batch. On a closed pool every future of the batch fails with ErrPoolClosed.
func (p *Pool) submit(j job, batch []*task) bool {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		p.fail(j, batch, ErrPoolClosed)
		return false
	}
	p.inflight.Add(1)
	p.mu.RUnlock()

	err := p.ants.Submit(func() {
		defer p.inflight.Done()
		p.run(j, batch)
	})
	if err != nil {
		p.inflight.Done()
		p.fail(j, batch, fmt.Errorf("%w: %w", ErrPoolClosed, err))
		return false
	}
	return true
}

func (p *Pool) fail(j job, batch []*task, err error) {
	for _, t := range batch {
		p.finish(j, t, nil, err, 0)
	}
}

// runLocal runs a batch in the current ants goroutine.
func (p *Pool) runLocal(j job, batch []*task) {
	for _, t := range batch {
		start := time.Now()
		stop := p.armTimeout(j, t)
		v, err := j.fn.Apply(t.in)
		stop()
		p.finish(j, t, v, err, time.Since(start))
	}
}

// armTimeout resolves t with ErrTimeout once the job timeout elapses. The returned func disarms it.
func (p *Pool) armTimeout(j job, t *task) func() {
	if j.timeout <= 0 {
		return func() {}
	}
	timer := time.AfterFunc(j.timeout, func() {
		if t.out.resolve(nil, j.wrap(fmt.Errorf("%w after %s", ErrTimeout, j.timeout))) {
			p.log.Warn().Str("stage", j.label).Dur("timeout", j.timeout).Msg("item timed out")
		}
	})
	return func() { timer.Stop() }
}

// finish resolves t and records the outcome. A future already resolved by its timeout keeps the
// timeout error.
func (p *Pool) finish(j job, t *task, v any, err error, d time.Duration) {
	outcome := outcomeOK
	if err != nil {
		err = j.wrap(err)
		outcome = outcomeError
	}
	if !t.out.resolve(v, err) {
		outcome = outcomeTimeout
	}
	p.metrics.observe(j.label, p.kind, outcome, d)
}

// Shutdown closes the pool to new work. With wait it blocks until every submitted item has been
// processed and the workers are gone; without it the teardown happens in the background.
// Shutdown may be called several times.
func (p *Pool) Shutdown(wait bool) {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		go p.teardown()
	})
	if wait {
		<-p.stopped
	}
}

func (p *Pool) teardown() {
	defer close(p.stopped)
	p.inflight.Wait()
	p.ants.Release()
	if p.workers != nil {
		p.workers.stop()
	}
	p.metrics.poolStopped(p.kind)
	p.log.Debug().Msg("pool shut down")
}

// pools are the pools of one pipeline execution, one per stage.
type pools struct {
	pools []*Pool
}

// newPools builds one pool per stage, in declaration order. If a pool cannot be created, the ones
// already created are released.
func newPools(stages []Stage, opts []Option) (*pools, error) {
	var err error
	result := &pools{
		pools: lo.FilterMap(stages, func(stage Stage, i int) (pool *Pool, ok bool) {
			if err != nil {
				return nil, false
			}
			pool, err = NewPool(stage.Kind, stage.workers(), opts...)
			if err != nil {
				err = &StageError{Stage: i, Func: stage.Func.Name(), Err: err}
			}
			return pool, err == nil
		}),
	}
	if err != nil {
		result.release()
		return nil, err
	}
	return result, nil
}

// release shuts down every pool and waits for their workers.
func (p *pools) release() {
	for _, pool := range p.pools {
		pool.Shutdown(false)
	}
	for _, pool := range p.pools {
		pool.Shutdown(true)
	}
}
