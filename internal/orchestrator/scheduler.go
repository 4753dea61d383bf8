package orchestrator

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultTask is run when a group names no tasks.
const DefaultTask = "default"

type Mode int

const (
	ModeParallel Mode = iota
	ModeSeries
)

func (m Mode) String() string {
	if m == ModeSeries {
		return "series"
	}
	return "parallel"
}

// Node is an element of a run request: a Ref or a Group.
type Node interface {
	isNode()
}

// Ref names a registered task.
type Ref string

func (Ref) isNode() {}

// Group runs its nodes in parallel or in series. A group without nodes
// runs DefaultTask.
type Group struct {
	Mode  Mode
	Nodes []Node
}

func (Group) isNode() {}

func Parallel(nodes ...Node) Group { return Group{Mode: ModeParallel, Nodes: nodes} }
func Series(nodes ...Node) Group   { return Group{Mode: ModeSeries, Nodes: nodes} }

func ParallelOf(names ...string) Group { return Parallel(refs(names)...) }
func SeriesOf(names ...string) Group   { return Series(refs(names)...) }

func refs(names []string) []Node {
	nodes := make([]Node, 0, len(names))
	for _, n := range names {
		nodes = append(nodes, Ref(n))
	}
	return nodes
}

type Options struct {
	// ContinueOnError lets the remaining tasks run after a failure; all
	// failures are reported at the end.
	ContinueOnError bool
}

// Completion is called exactly once per run request.
type Completion func(err error, stats Stats)

type Stats struct {
	Started  time.Time
	Duration time.Duration
	// Invocations in completion order.
	Invocations []InvocationStat
}

// Handle tracks a run request. It is a Future settling with the run's
// aggregate outcome.
type Handle struct {
	id         string
	opts       Options
	onComplete Completion
	result     *Promise
	discarded  atomic.Bool
	once       sync.Once

	mx    sync.Mutex
	stats Stats
}

func newHandle(opts Options, onComplete Completion) *Handle {
	return &Handle{
		id:         uuid.NewString(),
		opts:       opts,
		onComplete: onComplete,
		result:     NewPromise(),
		stats:      Stats{Started: time.Now()},
	}
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Subscribe(fn func(error)) { h.result.Subscribe(fn) }

// Done is closed once the completion callback returned.
func (h *Handle) Done() <-chan struct{} { return h.result.Done() }

func (h *Handle) Err() error { return h.result.Err() }

func (h *Handle) Stats() Stats {
	h.mx.Lock()
	defer h.mx.Unlock()
	s := h.stats
	s.Invocations = slices.Clone(h.stats.Invocations)
	return s
}

func (h *Handle) record(stat InvocationStat) {
	h.mx.Lock()
	h.stats.Invocations = append(h.stats.Invocations, stat)
	h.mx.Unlock()
}

func (h *Handle) complete(err error) {
	h.once.Do(func() {
		h.mx.Lock()
		h.stats.Duration = time.Since(h.stats.Started)
		h.mx.Unlock()
		if h.onComplete != nil {
			h.onComplete(err, h.Stats())
		}
		h.result.Settle(err)
	})
}

// plan is a run request with every name resolved.
type plan struct {
	task     *Task
	mode     Mode
	children []*plan
}

// Scheduler executes run requests against a Registry.
type Scheduler struct {
	registry *Registry
	bus      *Bus

	mx       sync.Mutex
	runs     map[*Handle]struct{}
	inflight map[string]*Invocation
}

func NewScheduler(registry *Registry, bus *Bus) *Scheduler {
	return &Scheduler{
		registry: registry,
		bus:      bus,
		runs:     make(map[*Handle]struct{}),
		inflight: make(map[string]*Invocation),
	}
}

// Start resolves every name of root and starts executing it. Unknown names
// fail the request with a *MissingTaskError before anything runs; in that
// case onComplete is called before Start returns.
//
// Canceling ctx prevents leaves which have not started yet from starting.
// Started invocations always run to completion.
func (s *Scheduler) Start(ctx context.Context, root Node, opts Options, onComplete Completion) *Handle {
	h := newHandle(opts, onComplete)
	s.track(h)
	s.start(ctx, h, root)
	return h
}

// track makes h visible to Discard.
func (s *Scheduler) track(h *Handle) {
	s.mx.Lock()
	s.runs[h] = struct{}{}
	s.mx.Unlock()
}

func (s *Scheduler) untrack(h *Handle) {
	s.mx.Lock()
	delete(s.runs, h)
	s.mx.Unlock()
}

func (s *Scheduler) start(ctx context.Context, h *Handle, root Node) {
	var missing []string
	p := s.resolve(root, &missing)
	if len(missing) > 0 {
		slog.DebugContext(ctx, "run request rejected", "run", h.id, "missing", missing)
		s.untrack(h)
		h.complete(&MissingTaskError{Names: missing})
		return
	}
	if h.discarded.Load() {
		return
	}

	s.exec(ctx, h, p, func(err error) {
		s.untrack(h)
		h.complete(err)
	})
}

// Running returns snapshots of the invocations currently in flight.
func (s *Scheduler) Running() []InvocationStat {
	s.mx.Lock()
	defer s.mx.Unlock()
	ret := make([]InvocationStat, 0, len(s.inflight))
	for _, inv := range s.inflight {
		ret = append(ret, inv.Stat())
	}
	return ret
}

// Discard drops every tracked run request. Their completion callbacks are
// called with ErrDiscarded, pending leaves never start and the outcomes of
// running invocations are ignored.
func (s *Scheduler) Discard() {
	s.mx.Lock()
	runs := make([]*Handle, 0, len(s.runs))
	for h := range s.runs {
		h.discarded.Store(true)
		runs = append(runs, h)
	}
	clear(s.runs)
	s.mx.Unlock()

	for _, h := range runs {
		h.complete(ErrDiscarded)
	}
}

func (s *Scheduler) resolve(n Node, missing *[]string) *plan {
	switch n := n.(type) {
	case Ref:
		name := string(n)
		task, ok := s.registry.Lookup(name)
		if !ok {
			if !slices.Contains(*missing, name) {
				*missing = append(*missing, name)
			}
			return nil
		}
		return &plan{task: &task}
	case Group:
		nodes := n.Nodes
		if len(nodes) == 0 {
			nodes = []Node{Ref(DefaultTask)}
		}
		p := &plan{mode: n.Mode, children: make([]*plan, 0, len(nodes))}
		for _, child := range nodes {
			p.children = append(p.children, s.resolve(child, missing))
		}
		return p
	case *Group:
		if n == nil {
			return s.resolve(Group{}, missing)
		}
		return s.resolve(*n, missing)
	default:
		return s.resolve(Group{}, missing)
	}
}

func (s *Scheduler) exec(ctx context.Context, h *Handle, p *plan, done func(error)) {
	switch {
	case p.task != nil:
		s.execLeaf(ctx, h, *p.task, done)
	case p.mode == ModeSeries:
		s.execSeries(ctx, h, p.children, done)
	default:
		s.execParallel(ctx, h, p.children, done)
	}
}

func (s *Scheduler) execParallel(ctx context.Context, h *Handle, children []*plan, done func(error)) {
	var (
		mx        sync.Mutex
		remaining = len(children)
		errs      []error
	)
	for _, child := range children {
		s.exec(ctx, h, child, func(err error) {
			mx.Lock()
			if err != nil {
				errs = append(errs, err)
			}
			remaining--
			last := remaining == 0
			mx.Unlock()
			if !last {
				return
			}
			switch {
			case len(errs) == 0:
				done(nil)
			case h.opts.ContinueOnError:
				done(aggregate(errs))
			default:
				done(errs[0])
			}
		})
	}
}

func (s *Scheduler) execSeries(ctx context.Context, h *Handle, children []*plan, done func(error)) {
	var errs []error
	var next func(i int)
	next = func(i int) {
		if i == len(children) {
			done(aggregate(errs))
			return
		}
		s.exec(ctx, h, children[i], func(err error) {
			if err != nil {
				if !h.opts.ContinueOnError {
					done(err)
					return
				}
				errs = append(errs, err)
			}
			next(i + 1)
		})
	}
	next(0)
}

func (s *Scheduler) execLeaf(ctx context.Context, h *Handle, task Task, done func(error)) {
	if h.discarded.Load() {
		return
	}
	if err := ctx.Err(); err != nil {
		done(err)
		return
	}

	id := uuid.NewString()
	inv := &Invocation{
		ID:    id,
		Name:  task.Name,
		Scope: newScope(context.WithoutCancel(ctx), task, id),
	}

	s.mx.Lock()
	s.inflight[id] = inv
	s.mx.Unlock()

	go func() {
		started := inv.start()
		ictx := inv.Scope.Context()
		slog.DebugContext(ictx, "invocation started")
		s.bus.emit(Event{Kind: EventStart, Name: task.Name, InvocationID: id, Time: started})

		execute(task, inv.Scope, inv.setConvention, func(err error) {
			stat, ok := inv.finish(err)
			if !ok {
				return
			}
			s.mx.Lock()
			delete(s.inflight, id)
			s.mx.Unlock()

			ev := Event{Name: task.Name, InvocationID: id, Time: time.Now(), Duration: stat.Duration}
			if err != nil {
				ev.Kind, ev.Err = EventError, err
				slog.DebugContext(ictx, "invocation failed", "duration", stat.Duration, "error", err)
				err = &TaskError{Name: task.Name, InvocationID: id, Duration: stat.Duration, Err: err}
			} else {
				ev.Kind = EventEnd
				slog.DebugContext(ictx, "invocation succeeded", "duration", stat.Duration)
			}
			s.bus.emit(ev)
			h.record(stat)

			if h.discarded.Load() {
				return
			}
			done(err)
		})
	}()
}
