package poolchain

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Pipeline is an ordered list of stages run through one worker pool per stage.
//
// Stages are appended with Add and its shorthands, which return the pipeline so calls can be
// chained. An invalid stage is not appended: its error is kept and reported by Err and by every
// Execute method. A Pipeline may be executed any number of times, each execution creating and
// releasing its own pools.
type Pipeline struct {
	settings

	mu     sync.Mutex
	stages []Stage
	errs   []error
}

// New creates an empty pipeline.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{settings: newSettings(opts)}
	p.log = p.log.With().Str("component", "poolchain").Logger()
	return p
}

// Add appends a stage running fn in a pool of the given kind.
func (p *Pipeline) Add(fn Func, kind Kind, opts ...StageOption) *Pipeline {
	stage, err := NewStage(fn, kind, opts...)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("stage %d: %w", len(p.stages)+len(p.errs), err))
		return p
	}
	p.stages = append(p.stages, stage)
	return p
}

// AddThreadStage appends a stage running fn in a goroutine pool.
func (p *Pipeline) AddThreadStage(fn Func, opts ...StageOption) *Pipeline {
	return p.Add(fn, Thread, opts...)
}

// AddProcessStage appends a stage running fn in worker processes. fn must be registered.
func (p *Pipeline) AddProcessStage(fn Func, opts ...StageOption) *Pipeline {
	return p.Add(fn, Process, opts...)
}

// Err returns the validation errors of the rejected stages, if any.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.errs...)
}

// Len returns the number of accepted stages.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stages)
}

// Stages returns a copy of the accepted stages.
func (p *Pipeline) Stages() []Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.stages)
}

// snapshot returns the stages an execution works on, or why it cannot start.
func (p *Pipeline) snapshot() ([]Stage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.errs) > 0 {
		return nil, errors.Join(p.errs...)
	}
	if len(p.stages) == 0 {
		return nil, fmt.Errorf("%w: no stages configured", ErrValidation)
	}
	if err := p.config.Validate(); err != nil {
		return nil, err
	}
	return slices.Clone(p.stages), nil
}

// ExecuteLazy runs input through every stage and returns the results as a lazy sequence, in input
// order. Validation errors are returned before any pool is created or any input is read.
//
// The pools are created when the iteration starts and shut down, waiting for their workers, when
// it ends: once the input is exhausted, when the consumer stops early, or when ctx is cancelled.
// An item failure is yielded at its position as a *StageError and the following items are still
// produced. Cancelling ctx yields ctx.Err() once and ends the sequence.
func (p *Pipeline) ExecuteLazy(ctx context.Context, input iter.Seq[any]) (iter.Seq2[any, error], error) {
	stages, err := p.snapshot()
	if err != nil {
		return nil, err
	}

	return func(yield func(any, error) bool) {
		log := p.log.With().Str("execution", uuid.NewString()).Logger()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		pools, err := newPools(stages, p.options(log))
		if err != nil {
			log.Error().Err(err).Msg("cannot create stage pools")
			yield(nil, err)
			return
		}
		defer pools.release()
		log.Debug().Int("stages", len(stages)).Msg("execution started")

		current := lift(input)
		for i, stage := range stages {
			current = pools.pools[i].Map(ctx, stage.Func, current, MapOptions{
				Stage:     i,
				Timeout:   stage.timeout(),
				ChunkSize: stage.ChunkSize,
			})
		}
		for v, err := range current {
			if !yield(v, err) {
				// Unblock every stage before the pools are released.
				cancel()
				log.Debug().Msg("execution abandoned by consumer")
				return
			}
		}
		log.Debug().Msg("execution completed")
	}, nil
}

// ExecuteEager runs input through every stage and returns all results in input order. The first
// item failure aborts the execution and is returned without the partial results.
func (p *Pipeline) ExecuteEager(ctx context.Context, input iter.Seq[any]) ([]any, error) {
	seq, err := p.ExecuteLazy(ctx, input)
	if err != nil {
		return nil, err
	}
	return drain(seq)
}

// ExecuteLazySequential runs every stage function on each item in the calling goroutine, without
// pools or timeouts. It is meant to test pipeline logic deterministically. Item failures are
// yielded at their position.
func (p *Pipeline) ExecuteLazySequential(input iter.Seq[any]) (iter.Seq2[any, error], error) {
	stages, err := p.snapshot()
	if err != nil {
		return nil, err
	}
	return func(yield func(any, error) bool) {
		for v := range input {
			if !yield(applyAll(stages, v)) {
				return
			}
		}
	}, nil
}

// ExecuteEagerSequential is the eager form of ExecuteLazySequential.
func (p *Pipeline) ExecuteEagerSequential(input iter.Seq[any]) ([]any, error) {
	seq, err := p.ExecuteLazySequential(input)
	if err != nil {
		return nil, err
	}
	return drain(seq)
}

func applyAll(stages []Stage, v any) (any, error) {
	for i, stage := range stages {
		var err error
		if v, err = stage.Func.Apply(v); err != nil {
			return nil, &StageError{Stage: i, Func: stage.Func.Name(), Err: err}
		}
	}
	return v, nil
}

func lift(input iter.Seq[any]) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		for v := range input {
			if !yield(v, nil) {
				return
			}
		}
	}
}

func drain(seq iter.Seq2[any, error]) ([]any, error) {
	results := make([]any, 0)
	for v, err := range seq {
		if err != nil {
			return nil, err
		}
		results = append(results, v)
	}
	return results, nil
}
