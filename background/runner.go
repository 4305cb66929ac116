// Package background runs a single function on a worker pool, one submitted value at a time, and
// hands back futures.
//
// It is the building block to use when values arrive one by one instead of as a sequence:
//
//	runner, err := background.NewThread(resize, background.WithMaxWorkers(4))
//	if err != nil {
//		return err
//	}
//	defer runner.Shutdown(true)
//
//	f := runner.Submit(img)
//	thumb, err := poolchain.Await[Image](ctx, f)
package background

import (
	"time"

	"github.com/fogfactory/poolchain"
	"github.com/samber/lo"
)

// ErrClosed is reported by the futures of values submitted after Shutdown.
var ErrClosed = poolchain.ErrPoolClosed

// Runner owns one pool and runs its function there.
type Runner struct {
	fn    poolchain.Func
	stage poolchain.Stage
	pool  *poolchain.Pool
}

type options struct {
	stage []poolchain.StageOption
	pool  []poolchain.Option
}

// Option configures a Runner.
type Option func(*options)

// WithMaxWorkers sets the pool size. Without it the pool provider default for the kind is used.
func WithMaxWorkers(n int) Option {
	return func(o *options) { o.stage = append(o.stage, poolchain.WithMaxWorkers(n)) }
}

// WithTimeout bounds the processing time of each submitted value.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.stage = append(o.stage, poolchain.WithTimeout(d)) }
}

// WithPoolOptions passes logger, metrics or config options to the pool.
func WithPoolOptions(opts ...poolchain.Option) Option {
	return func(o *options) { o.pool = append(o.pool, opts...) }
}

// New validates fn the way a pipeline stage is validated and starts its pool.
func New(fn poolchain.Func, kind poolchain.Kind, opts ...Option) (*Runner, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	stage, err := poolchain.NewStage(fn, kind, o.stage...)
	if err != nil {
		return nil, err
	}
	pool, err := poolchain.NewPool(kind, lo.FromPtr(stage.MaxWorkers), o.pool...)
	if err != nil {
		return nil, err
	}
	return &Runner{fn: fn, stage: stage, pool: pool}, nil
}

// NewThread is New with a goroutine pool.
func NewThread(fn poolchain.Func, opts ...Option) (*Runner, error) {
	return New(fn, poolchain.Thread, opts...)
}

// NewProcess is New with worker processes. fn must be registered.
func NewProcess(fn poolchain.Func, opts ...Option) (*Runner, error) {
	return New(fn, poolchain.Process, opts...)
}

// Submit schedules fn on v. It blocks while every worker is busy.
func (r *Runner) Submit(v any) *poolchain.Future {
	return r.pool.Submit(r.fn, v, lo.FromPtr(r.stage.Timeout))
}

// Pool returns the underlying pool.
func (r *Runner) Pool() *poolchain.Pool { return r.pool }

// Shutdown stops the runner. With wait it blocks until every submitted value has been processed.
func (r *Runner) Shutdown(wait bool) { r.pool.Shutdown(wait) }
