package orchestrator

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Task is a named unit of work.
type Task struct {
	Name        string
	Description string
	// Fields are copied onto the Scope of every invocation.
	Fields map[string]any
	// Before and After are reported for introspection only, the scheduler
	// does not enforce them.
	Before []string
	After  []string
	// Body is one of the shapes documented on classify.
	Body any

	shape shape
}

// Registry stores task definitions by name, keeping insertion order.
type Registry struct {
	mx    sync.RWMutex
	tasks map[string]Task
	order []string
}

func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[string]Task),
	}
}

// Register stores the task, replacing any previous definition of the same
// name. A replaced task keeps its original position in Names.
func (r *Registry) Register(task Task) error {
	if task.Name == "" {
		return ErrEmptyName
	}
	sh, err := classify(task.Body)
	if err != nil {
		return fmt.Errorf("registering task %q: %w", task.Name, err)
	}
	task.shape = sh
	task.Fields = maps.Clone(task.Fields)
	task.Before = slices.Clone(task.Before)
	task.After = slices.Clone(task.After)

	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.tasks[task.Name]; !ok {
		r.order = append(r.order, task.Name)
	}
	r.tasks[task.Name] = task
	return nil
}

func (r *Registry) Lookup(name string) (Task, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()
	t, ok := r.tasks[name]
	return t, ok
}

// Names returns registered names in insertion order.
func (r *Registry) Names() []string {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return slices.Clone(r.order)
}

func (r *Registry) Clear() {
	r.mx.Lock()
	defer r.mx.Unlock()
	clear(r.tasks)
	r.order = nil
}
