package orchestrator

import (
	"fmt"
	"sync"
	"time"
)

type State int

const (
	StatePending State = iota
	StateRunning
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Invocation is a single execution attempt of a task.
type Invocation struct {
	ID    string
	Name  string
	Scope *Scope

	mx         sync.Mutex
	state      State
	convention Convention
	started    time.Time
	duration   time.Duration
	err        error
}

// InvocationStat is a snapshot of an Invocation.
type InvocationStat struct {
	ID         string
	Name       string
	State      State
	Convention Convention
	Started    time.Time
	Duration   time.Duration
	Err        error
}

func (i *Invocation) setConvention(c Convention) {
	i.mx.Lock()
	i.convention = c
	i.mx.Unlock()
}

func (i *Invocation) start() time.Time {
	i.mx.Lock()
	defer i.mx.Unlock()
	i.state = StateRunning
	i.started = time.Now()
	return i.started
}

// finish moves a running invocation to its terminal state. It reports false
// if the invocation already reached one.
func (i *Invocation) finish(err error) (InvocationStat, bool) {
	i.mx.Lock()
	defer i.mx.Unlock()
	if i.state.Terminal() {
		return i.statLocked(), false
	}
	i.duration = time.Since(i.started)
	i.err = err
	if err != nil {
		i.state = StateFailed
	} else {
		i.state = StateSucceeded
	}
	return i.statLocked(), true
}

func (i *Invocation) Stat() InvocationStat {
	i.mx.Lock()
	defer i.mx.Unlock()
	return i.statLocked()
}

func (i *Invocation) statLocked() InvocationStat {
	d := i.duration
	if i.state == StateRunning {
		d = time.Since(i.started)
	}
	return InvocationStat{
		ID:         i.ID,
		Name:       i.Name,
		State:      i.state,
		Convention: i.convention,
		Started:    i.started,
		Duration:   d,
		Err:        i.err,
	}
}
