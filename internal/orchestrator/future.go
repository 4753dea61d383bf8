package orchestrator

import (
	"errors"
	"sync"
)

// Promise is a Future settled by Resolve, Reject or Settle. Only the first
// settlement counts.
type Promise struct {
	mx      sync.Mutex
	settled bool
	err     error
	subs    []func(error)
	done    chan struct{}
}

func NewPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// Go runs fn on a new goroutine and settles the promise with its result.
// A panic in fn rejects the promise with a *PanicError.
func Go(fn func() error) *Promise {
	p := NewPromise()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.Settle(&PanicError{Value: r})
			}
		}()
		p.Settle(fn())
	}()
	return p
}

func (p *Promise) Resolve() { p.Settle(nil) }

func (p *Promise) Reject(err error) {
	if err == nil {
		err = errors.New("promise rejected")
	}
	p.Settle(err)
}

// Settle reports false if the promise was already settled.
func (p *Promise) Settle(err error) bool {
	p.mx.Lock()
	if p.settled {
		p.mx.Unlock()
		return false
	}
	p.settled = true
	p.err = err
	subs := p.subs
	p.subs = nil
	close(p.done)
	p.mx.Unlock()

	for _, fn := range subs {
		fn(err)
	}
	return true
}

// Subscribe calls fn once the promise settles, immediately if it already has.
func (p *Promise) Subscribe(fn func(error)) {
	p.mx.Lock()
	if p.settled {
		err := p.err
		p.mx.Unlock()
		fn(err)
		return
	}
	p.subs = append(p.subs, fn)
	p.mx.Unlock()
}

func (p *Promise) Done() <-chan struct{} { return p.done }

func (p *Promise) Err() error {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.err
}

// Emitter is a minimal Stream: End or Fail notifies the matching listeners
// once. Listeners added after the fact are called immediately.
type Emitter struct {
	mx     sync.Mutex
	ended  bool
	err    error
	onEnd  []func()
	onFail []func(error)
}

func NewEmitter() *Emitter {
	return &Emitter{}
}

func (e *Emitter) OnEnd(fn func()) {
	e.mx.Lock()
	if e.ended && e.err == nil {
		e.mx.Unlock()
		fn()
		return
	}
	e.onEnd = append(e.onEnd, fn)
	e.mx.Unlock()
}

func (e *Emitter) OnError(fn func(error)) {
	e.mx.Lock()
	if e.ended && e.err != nil {
		err := e.err
		e.mx.Unlock()
		fn(err)
		return
	}
	e.onFail = append(e.onFail, fn)
	e.mx.Unlock()
}

func (e *Emitter) End() {
	e.mx.Lock()
	if e.ended {
		e.mx.Unlock()
		return
	}
	e.ended = true
	fns := e.onEnd
	e.onEnd, e.onFail = nil, nil
	e.mx.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (e *Emitter) Fail(err error) {
	if err == nil {
		err = errors.New("stream failed")
	}
	e.mx.Lock()
	if e.ended {
		e.mx.Unlock()
		return
	}
	e.ended = true
	e.err = err
	fns := e.onFail
	e.onEnd, e.onFail = nil, nil
	e.mx.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}
