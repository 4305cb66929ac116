package poolchain

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// WorkerEnv is set in the environment of worker processes.
const WorkerEnv = "POOLCHAIN_WORKER"

// ServeWorker turns the current process into a pool worker when it was started as one, and exits
// when its parent closes the pool. Otherwise it returns immediately.
//
// Process stages re-execute the current binary, so ServeWorker must be the first thing main (or
// TestMain) does:
//
//	func main() {
//		poolchain.ServeWorker()
//		...
//	}
func ServeWorker() {
	if os.Getenv(WorkerEnv) == "" {
		return
	}
	requests := os.NewFile(3, "poolchain-requests")
	responses := os.NewFile(4, "poolchain-responses")
	if err := serve(requests, responses); err != nil {
		fmt.Fprintf(os.Stderr, "poolchain worker %d: %v\n", os.Getpid(), err)
		os.Exit(1)
	}
	os.Exit(0)
}

type request struct {
	Func  string            `json:"func"`
	Items []json.RawMessage `json:"items"`
}

// response is either the handshake or the result of one item. A request of n items is answered
// by n responses, in item order, each written as soon as its item is done.
type response struct {
	Ready  bool    `json:"ready,omitempty"`
	Result *result `json:"result,omitempty"`
}

type result struct {
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
	Code  string          `json:"code,omitempty"`
}

// serve answers requests read from r on w until r is closed.
func serve(r io.Reader, w io.Writer) error {
	dec := json.NewDecoder(r)
	enc := json.NewEncoder(w)
	if err := enc.Encode(response{Ready: true}); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode request: %w", err)
		}
		err := handle(req, func(res result) error {
			return enc.Encode(response{Result: &res})
		})
		if err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
	}
}

// handle runs every item of req and emits each result before starting the next item, so the
// parent can time items one by one.
func handle(req request, emit func(result) error) error {
	fn, ok := Lookup(req.Func)
	for _, raw := range req.Items {
		var res result
		if ok {
			res = invoke(fn, raw)
		} else {
			res = failure(fmt.Errorf("%w: %q", ErrUnknownFunc, req.Func))
		}
		if err := emit(res); err != nil {
			return err
		}
	}
	return nil
}

func invoke(fn Func, raw json.RawMessage) result {
	in, err := fn.decodeIn(raw)
	if err != nil {
		return failure(fmt.Errorf("%w: %w", ErrTypeMismatch, err))
	}
	out, err := fn.Apply(in)
	if err != nil {
		return failure(err)
	}
	value, err := json.Marshal(out)
	if err != nil {
		return failure(fmt.Errorf("encode output: %w", err))
	}
	return result{Value: value}
}

func failure(err error) result {
	return result{Error: err.Error(), Code: errorCode(err)}
}

// decode turns a worker result back into a value of the Func output type, or an error.
func (r result) decode(fn Func) (any, error) {
	if r.Error != "" {
		return nil, &RemoteError{Func: fn.Name(), Message: r.Error, code: r.Code}
	}
	v, err := fn.decodeOut(r.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s output: %w", ErrWorker, fn.Name(), err)
	}
	return v, nil
}
