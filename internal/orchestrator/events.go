package orchestrator

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type Kind int

const (
	// EventStart is emitted when an invocation enters running.
	EventStart Kind = iota
	// EventEnd is emitted when an invocation succeeds.
	EventEnd
	// EventError is emitted when an invocation fails.
	EventError
)

func (k Kind) String() string {
	switch k {
	case EventStart:
		return "task_start"
	case EventEnd:
		return "task_end"
	case EventError:
		return "task_error"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

type Event struct {
	Kind         Kind
	Name         string
	InvocationID string
	Time         time.Time
	// Duration is zero for EventStart.
	Duration time.Duration
	// Err is set for EventError only.
	Err error
}

type Handler func(Event)

// Bus fans lifecycle events out to subscribers. Emission never blocks: every
// subscriber has its own queue drained by its own goroutine, so a slow or
// panicking handler only delays itself.
type Bus struct {
	mx     sync.Mutex
	nextID int
	subs   map[int]*subscriber
	closed bool
	wg     sync.WaitGroup
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers h for events of the given kind. The returned func
// unsubscribes; already queued events are still delivered.
func (b *Bus) Subscribe(kind Kind, h Handler) func() {
	return b.subscribe(func(k Kind) bool { return k == kind }, h)
}

// SubscribeAll registers h for events of every kind.
func (b *Bus) SubscribeAll(h Handler) func() {
	return b.subscribe(func(Kind) bool { return true }, h)
}

func (b *Bus) subscribe(match func(Kind) bool, h Handler) func() {
	s := &subscriber{
		match:   match,
		handler: h,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}

	b.mx.Lock()
	if b.closed {
		b.mx.Unlock()
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.wg.Go(s.loop)
	b.mx.Unlock()

	return func() {
		b.mx.Lock()
		_, ok := b.subs[id]
		delete(b.subs, id)
		b.mx.Unlock()
		// Close already stopped every remaining subscriber
		if ok {
			close(s.stop)
		}
	}
}

func (b *Bus) emit(e Event) {
	b.mx.Lock()
	if b.closed {
		b.mx.Unlock()
		return
	}
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.match(e.Kind) {
			subs = append(subs, s)
		}
	}
	b.mx.Unlock()

	for _, s := range subs {
		s.push(e)
	}
}

// Close stops accepting events and waits until every subscriber drained
// its queue.
func (b *Bus) Close() {
	b.mx.Lock()
	if b.closed {
		b.mx.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[int]*subscriber)
	b.mx.Unlock()

	for _, s := range subs {
		close(s.stop)
	}
	b.wg.Wait()
}

type subscriber struct {
	match   func(Kind) bool
	handler Handler
	mx      sync.Mutex
	queue   []Event
	wake    chan struct{}
	stop    chan struct{}
}

func (s *subscriber) push(e Event) {
	s.mx.Lock()
	s.queue = append(s.queue, e)
	s.mx.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) loop() {
	for {
		select {
		case <-s.wake:
			s.drain()
		case <-s.stop:
			s.drain()
			return
		}
	}
}

func (s *subscriber) drain() {
	for {
		s.mx.Lock()
		queue := s.queue
		s.queue = nil
		s.mx.Unlock()
		if len(queue) == 0 {
			return
		}
		for _, e := range queue {
			s.deliver(e)
		}
	}
}

func (s *subscriber) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "event", e.Kind.String(), "task", e.Name, "panic", r)
		}
	}()
	s.handler(e)
}
