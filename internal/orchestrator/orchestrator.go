package orchestrator

import (
	"context"
	"maps"
	"slices"
)

// Orchestrator is the public surface used by the CLI and the supervisor. It
// owns a Registry, a Scheduler and a Bus; instances are independent of each
// other.
type Orchestrator struct {
	registry  *Registry
	scheduler *Scheduler
	bus       *Bus
}

func New() *Orchestrator {
	registry := NewRegistry()
	bus := NewBus()
	return &Orchestrator{
		registry:  registry,
		scheduler: NewScheduler(registry, bus),
		bus:       bus,
	}
}

type TaskOption func(*Task)

// WithFields sets extra fields visible on the Scope of every invocation.
func WithFields(fields map[string]any) TaskOption {
	return func(t *Task) {
		if t.Fields == nil {
			t.Fields = make(map[string]any, len(fields))
		}
		maps.Copy(t.Fields, fields)
	}
}

func WithBefore(names ...string) TaskOption {
	return func(t *Task) { t.Before = append(t.Before, names...) }
}

func WithAfter(names ...string) TaskOption {
	return func(t *Task) { t.After = append(t.After, names...) }
}

func WithDescription(desc string) TaskOption {
	return func(t *Task) { t.Description = desc }
}

// Task registers body under name, replacing any previous definition.
func (o *Orchestrator) Task(name string, body any, opts ...TaskOption) error {
	t := Task{Name: name, Body: body}
	for _, opt := range opts {
		opt(&t)
	}
	return o.registry.Register(t)
}

func (o *Orchestrator) Lookup(name string) (Task, bool) {
	return o.registry.Lookup(name)
}

// TaskNames returns registered names in registration order.
func (o *Orchestrator) TaskNames() []string {
	return o.registry.Names()
}

// Start runs root and calls onComplete once it finishes. See Scheduler.Start.
func (o *Orchestrator) Start(ctx context.Context, root Node, opts Options, onComplete Completion) *Handle {
	return o.scheduler.Start(ctx, root, opts, onComplete)
}

// RunParallel starts the named tasks at once. No names means DefaultTask.
func (o *Orchestrator) RunParallel(ctx context.Context, opts Options, onComplete Completion, names ...string) *Handle {
	return o.Start(ctx, ParallelOf(names...), opts, onComplete)
}

// RunSeries starts the named tasks one after another. No names means
// DefaultTask.
func (o *Orchestrator) RunSeries(ctx context.Context, opts Options, onComplete Completion, names ...string) *Handle {
	return o.Start(ctx, SeriesOf(names...), opts, onComplete)
}

// Run starts root and waits for it. When ctx is canceled first, Run returns
// ctx.Err() while the run request keeps going without new leaves.
func (o *Orchestrator) Run(ctx context.Context, root Node, opts Options) (Stats, error) {
	h := o.Start(ctx, root, opts, nil)
	select {
	case <-h.Done():
		return h.Stats(), h.Err()
	case <-ctx.Done():
		return h.Stats(), ctx.Err()
	}
}

// Running returns the invocations currently in flight, ordered by start.
func (o *Orchestrator) Running() []InvocationStat {
	ret := o.scheduler.Running()
	slices.SortFunc(ret, func(a, b InvocationStat) int {
		return a.Started.Compare(b.Started)
	})
	return ret
}

// Reset clears the registry and discards every tracked run request.
// Invocations already started keep running and emitting events.
func (o *Orchestrator) Reset() {
	o.registry.Clear()
	o.scheduler.Discard()
}

// On subscribes h to events of kind. The returned func unsubscribes.
func (o *Orchestrator) On(kind Kind, h Handler) func() {
	return o.bus.Subscribe(kind, h)
}

func (o *Orchestrator) OnAll(h Handler) func() {
	return o.bus.SubscribeAll(h)
}

// Close flushes pending events to subscribers and stops their goroutines.
func (o *Orchestrator) Close() {
	o.bus.Close()
}
