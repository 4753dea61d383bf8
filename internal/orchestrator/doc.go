// Package orchestrator registers named tasks and runs them in parallel or in
// series.
//
// Overview
// An Orchestrator owns a Registry of Tasks, a Scheduler and an event Bus.
// Callers register tasks with Task and start run requests with Start,
// RunParallel or RunSeries. A run request is a tree of Refs (task names)
// and Groups, so parallel-of-series and series-of-parallel compose freely.
//
// Every leaf of a run request creates an Invocation with its own Scope, a
// shallow copy of the task's fields plus "name". A task body signals
// completion in one of four ways, picked once per invocation:
//
//   - synchronous: func(), func() error, func(*Scope) error
//   - callback:    func(Done), func(*Scope, Done), func(*Scope, Done) any
//   - future:      func(*Scope) any returning a Future (Promise, *Handle)
//   - stream:      func(*Scope) any returning a Stream or an io.Reader
//
// A declared Done parameter wins over the returned value.
//
// Data flow:
//
//	Orchestrator        Scheduler               Invocation        Bus
//	     |                  |                       |              |
//	Start ------------> resolve names               |              |
//	     |  (MissingTaskError, nothing ran)         |              |
//	     |              exec plan ---------------> body ---------> start
//	     |                  |<------- outcome ------|-----------> end/error
//	     |<-- onComplete ---|                       |              |
//
// Invariants:
//   - Names are resolved for the whole request before anything starts.
//   - Each invocation reaches exactly one terminal state.
//   - Series groups start a node only after the previous one finished.
//   - Parallel groups always let every node finish.
//   - Completion callbacks fire exactly once per run request.
//   - There is no timeout and no mid-flight cancellation.
package orchestrator
