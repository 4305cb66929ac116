package poolchain

import (
	"fmt"
	"time"

	"github.com/samber/lo"
)

// Kind selects the worker pool flavour of a stage.
type Kind int

const (
	// Thread runs the stage function in a bounded pool of goroutines.
	Thread Kind = iota + 1
	// Process runs the stage function in worker processes. It requires a registered Func.
	Process
)

func (k Kind) String() string {
	switch k {
	case Thread:
		return "thread"
	case Process:
		return "process"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Stage is one configured step of a Pipeline. Build it with NewStage so it is validated.
type Stage struct {
	Func Func `validate:"-"`
	Kind Kind `validate:"oneof=1 2"`
	// MaxWorkers bounds the stage pool size. Nil selects the provider default.
	MaxWorkers *int `validate:"omitempty,gte=1"`
	// Timeout bounds the processing time of a single item. Nil means no bound.
	Timeout *time.Duration `validate:"omitempty,gt=0"`
	// ChunkSize is the number of items handed to a worker at once.
	ChunkSize int `validate:"gte=1"`
}

// StageOption tunes a Stage.
type StageOption func(*Stage)

// WithMaxWorkers bounds the number of concurrent workers of the stage.
func WithMaxWorkers(n int) StageOption {
	return func(s *Stage) { s.MaxWorkers = lo.ToPtr(n) }
}

// WithTimeout bounds the processing time of each item of the stage.
func WithTimeout(d time.Duration) StageOption {
	return func(s *Stage) { s.Timeout = lo.ToPtr(d) }
}

// WithChunkSize hands items to workers in batches of n. It mostly pays off for process stages,
// where each batch is a single round trip to a worker.
func WithChunkSize(n int) StageOption {
	return func(s *Stage) { s.ChunkSize = n }
}

// NewStage builds and validates a Stage.
func NewStage(fn Func, kind Kind, opts ...StageOption) (Stage, error) {
	result := Stage{Func: fn, Kind: kind, ChunkSize: 1}
	for _, opt := range opts {
		opt(&result)
	}
	return result, result.Validate()
}

// Validate checks the stage configuration. Every failure wraps ErrValidation.
func (s Stage) Validate() error {
	if !s.Func.valid() {
		return fmt.Errorf("%w: stage function is nil", ErrValidation)
	}
	if err := validateStruct(s); err != nil {
		return err
	}
	if s.Kind == Process && !s.Func.Named() {
		return fmt.Errorf("%w: an anonymous function cannot cross a process boundary, register it with poolchain.Register", ErrValidation)
	}
	return nil
}

func (s Stage) workers() int { return lo.FromPtr(s.MaxWorkers) }

func (s Stage) timeout() time.Duration { return lo.FromPtr(s.Timeout) }
