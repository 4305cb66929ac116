package poolchain

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/samber/lo"
)

// Func is a unary stage transformation over untyped values.
//
// Funcs are built from typed Go functions with Fn, Pure or Register. Only registered Funcs have a
// name, and only a name can be resolved on the other side of a process boundary.
type Func struct {
	name      string
	call      func(any) (any, error)
	decodeIn  func([]byte) (any, error)
	decodeOut func([]byte) (any, error)
}

// Fn wraps a fallible typed function as an anonymous Func. Anonymous Funcs only run in thread
// stages and in sequential executions.
func Fn[In, Out any](fn func(In) (Out, error)) Func {
	if fn == nil {
		return Func{}
	}
	return Func{call: typed(fn)}
}

// Pure wraps an infallible typed function as an anonymous Func.
func Pure[In, Out any](fn func(In) Out) Func {
	if fn == nil {
		return Func{}
	}
	return Fn(func(in In) (Out, error) { return fn(in), nil })
}

// Link merges several Funcs into one anonymous Func applying them in order.
// The first error stops the chain.
func Link(funcs ...Func) Func {
	if lo.ContainsBy(funcs, func(f Func) bool { return !f.valid() }) {
		return Func{}
	}
	return Func{call: func(v any) (any, error) {
		var err error
		for _, f := range funcs {
			if v, err = f.Apply(v); err != nil {
				return nil, err
			}
		}
		return v, nil
	}}
}

// Register adds fn to the process-wide registry under name and returns its Func.
//
// Registered Funcs can run in process stages: the worker process resolves them by name, decodes
// its input from JSON into In and the parent decodes the result into Out. Call Register from a
// package-level var or init so worker processes, which run the same executable, see the same
// registry. In and Out must be concrete types: JSON cannot restore the dynamic type behind an
// interface, so a number would come back as float64. Register panics if name is empty, already
// registered, uses an interface type or fn is nil.
func Register[In, Out any](name string, fn func(In) (Out, error)) Func {
	if name == "" {
		panic("poolchain: Register with an empty name")
	}
	if fn == nil {
		panic("poolchain: Register of a nil function " + name)
	}
	for _, t := range []reflect.Type{reflect.TypeFor[In](), reflect.TypeFor[Out]()} {
		if t.Kind() == reflect.Interface {
			panic(fmt.Sprintf("poolchain: Register of %s with interface type %v, values crossing a process boundary need a concrete type", name, t))
		}
	}
	f := Func{
		name:      name,
		call:      typed(fn),
		decodeIn:  decoder[In](),
		decodeOut: decoder[Out](),
	}

	registry.Lock()
	defer registry.Unlock()
	if _, dup := registry.funcs[name]; dup {
		panic("poolchain: Register called twice for " + name)
	}
	registry.funcs[name] = f
	return f
}

// Lookup returns the registered Func for name.
func Lookup(name string) (Func, bool) {
	registry.RLock()
	defer registry.RUnlock()
	f, ok := registry.funcs[name]
	return f, ok
}

var registry = struct {
	sync.RWMutex
	funcs map[string]Func
}{funcs: make(map[string]Func)}

// Name returns the registered name, or an empty string for anonymous Funcs.
func (f Func) Name() string { return f.name }

// Named reports whether f was registered and can therefore cross a process boundary.
func (f Func) Named() bool { return f.name != "" }

func (f Func) valid() bool { return f.call != nil }

// Apply calls the function on v in the current goroutine. A panic is returned as an error
// wrapping ErrPanic.
func (f Func) Apply(v any) (out any, err error) {
	if !f.valid() {
		return nil, fmt.Errorf("%w: nil function", ErrValidation)
	}
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return f.call(v)
}

func typed[In, Out any](fn func(In) (Out, error)) func(any) (any, error) {
	return func(v any) (any, error) {
		in, ok := v.(In)
		if !ok {
			var zero In
			// A nil value is a valid input for interface typed functions.
			if v != nil || any(zero) != nil {
				return nil, fmt.Errorf("%w: got %T, want %v", ErrTypeMismatch, v, reflect.TypeFor[In]())
			}
		}
		return fn(in)
	}
}

func decoder[T any]() func([]byte) (any, error) {
	return func(raw []byte) (any, error) {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}
