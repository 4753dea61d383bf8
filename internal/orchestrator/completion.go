package orchestrator

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Done is the completion callback handed to callback-style bodies. A nil
// error signals success.
type Done = func(err error)

// Future is anything that notifies subscribers once it settles.
type Future interface {
	Subscribe(fn func(err error))
}

// Stream is an in-progress resource signalling its end or an error.
type Stream interface {
	OnEnd(fn func())
	OnError(fn func(err error))
}

// Convention is the completion protocol an invocation used.
type Convention int

const (
	ConventionSync Convention = iota
	ConventionCallback
	ConventionFuture
	ConventionStream
)

func (c Convention) String() string {
	switch c {
	case ConventionSync:
		return "sync"
	case ConventionCallback:
		return "callback"
	case ConventionFuture:
		return "future"
	case ConventionStream:
		return "stream"
	default:
		return fmt.Sprintf("Convention(%d)", int(c))
	}
}

type shape int

const (
	shapeFunc shape = iota
	shapeFuncErr
	shapeScopeErr
	shapeDone
	shapeScopeDone
	shapeScopeDoneAny
	shapeAny
	shapeScopeAny
)

// classify inspects the declared signature of a body. Accepted shapes:
//
//	func()                    synchronous
//	func() error              synchronous
//	func(*Scope) error        synchronous
//	func(Done)                callback
//	func(*Scope, Done)        callback
//	func(*Scope, Done) any    callback, the returned value is ignored
//	func() any                decided by the returned value
//	func(*Scope) any          decided by the returned value
//
// A declared Done parameter always wins over the returned value.
func classify(body any) (shape, error) {
	switch body.(type) {
	case func():
		return shapeFunc, nil
	case func() error:
		return shapeFuncErr, nil
	case func(*Scope) error:
		return shapeScopeErr, nil
	case func(Done):
		return shapeDone, nil
	case func(*Scope, Done):
		return shapeScopeDone, nil
	case func(*Scope, Done) any:
		return shapeScopeDoneAny, nil
	case func() any:
		return shapeAny, nil
	case func(*Scope) any:
		return shapeScopeAny, nil
	case nil:
		return 0, fmt.Errorf("%w: nil", ErrUnsupportedBody)
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnsupportedBody, body)
	}
}

// execute runs the body of task and calls finish exactly once with the
// outcome. setConv receives the convention as soon as it is known, which is
// always before finish is called.
func execute(task Task, scope *Scope, setConv func(Convention), finish func(err error)) {
	var once sync.Once
	settle := func(err error) {
		settled := false
		once.Do(func() {
			settled = true
			finish(err)
		})
		if !settled {
			slog.DebugContext(scope.Context(), "completion signalled more than once: ignoring", "error", err)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			settle(&PanicError{Value: r})
		}
	}()

	switch task.shape {
	case shapeFunc:
		setConv(ConventionSync)
		task.Body.(func())()
		settle(nil)
	case shapeFuncErr:
		setConv(ConventionSync)
		settle(task.Body.(func() error)())
	case shapeScopeErr:
		setConv(ConventionSync)
		settle(task.Body.(func(*Scope) error)(scope))
	case shapeDone:
		setConv(ConventionCallback)
		task.Body.(func(Done))(settle)
	case shapeScopeDone:
		setConv(ConventionCallback)
		task.Body.(func(*Scope, Done))(scope, settle)
	case shapeScopeDoneAny:
		setConv(ConventionCallback)
		_ = task.Body.(func(*Scope, Done) any)(scope, settle)
	case shapeAny:
		settleValue(task.Body.(func() any)(), setConv, settle)
	case shapeScopeAny:
		settleValue(task.Body.(func(*Scope) any)(scope), setConv, settle)
	default:
		settle(fmt.Errorf("%w: %T", ErrUnsupportedBody, task.Body))
	}
}

// settleValue picks the convention from the capabilities of a returned value.
func settleValue(v any, setConv func(Convention), settle func(error)) {
	switch r := v.(type) {
	case nil:
		setConv(ConventionSync)
		settle(nil)
	case Future:
		setConv(ConventionFuture)
		r.Subscribe(settle)
	case Stream:
		setConv(ConventionStream)
		r.OnError(settle)
		r.OnEnd(func() { settle(nil) })
	case io.Reader:
		setConv(ConventionStream)
		go drain(r, settle)
	case error:
		setConv(ConventionSync)
		settle(r)
	default:
		setConv(ConventionSync)
		settle(nil)
	}
}

func drain(r io.Reader, settle func(error)) {
	_, err := io.Copy(io.Discard, r)
	if c, ok := r.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	settle(err)
}
