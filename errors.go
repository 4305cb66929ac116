package poolchain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for malformed stage or pipeline configuration. It is always
	// reported before any pool is created.
	ErrValidation = errors.New("invalid poolchain configuration")
	// ErrTimeout is reported at the position of an item whose stage timeout elapsed.
	ErrTimeout = errors.New("stage timeout exceeded")
	// ErrTypeMismatch is reported when a value does not match the input type of a Func.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrPanic is reported when a stage function panics.
	ErrPanic = errors.New("stage function panicked")
	// ErrUnknownFunc is reported by a worker process asked to run a name it does not know.
	ErrUnknownFunc = errors.New("unknown registered function")
	// ErrWorker is reported when a worker process cannot be started or stops answering.
	ErrWorker = errors.New("worker process failure")
	// ErrPoolClosed is reported for work submitted to a pool after Shutdown.
	ErrPoolClosed = errors.New("pool closed")
)

// StageError locates an item failure in the pipeline.
type StageError struct {
	// Stage is the index of the failing stage, in declaration order.
	Stage int
	// Func is the registered name of the stage function, empty for anonymous functions.
	Func string
	Err  error
}

func (e *StageError) Error() string {
	if e.Func == "" {
		return fmt.Sprintf("stage %d: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("stage %d (%s): %v", e.Stage, e.Func, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// RemoteError is an error raised by a registered function inside a worker process.
// Only its message survives the process boundary.
type RemoteError struct {
	Func    string
	Message string
	code    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s (remote): %s", e.Func, e.Message)
}

// Unwrap returns the poolchain sentinel matching the remote failure, if any.
func (e *RemoteError) Unwrap() error {
	switch e.code {
	case codeUnknownFunc:
		return ErrUnknownFunc
	case codeTypeMismatch:
		return ErrTypeMismatch
	case codePanic:
		return ErrPanic
	}
	return nil
}

const (
	codeUnknownFunc  = "unknown_func"
	codeTypeMismatch = "type_mismatch"
	codePanic        = "panic"
)

// errorCode classifies err for the worker protocol.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownFunc):
		return codeUnknownFunc
	case errors.Is(err, ErrTypeMismatch):
		return codeTypeMismatch
	case errors.Is(err, ErrPanic):
		return codePanic
	}
	return ""
}
