package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrEmptyName       = errors.New("task name is empty")
	ErrUnsupportedBody = errors.New("unsupported task body")
	ErrDiscarded       = errors.New("run request discarded by reset")
)

// MissingTaskError is returned before anything runs when a run request
// references names not found in the registry.
type MissingTaskError struct {
	Names []string
}

func (e *MissingTaskError) Error() string {
	return "task(s) not defined: " + strings.Join(e.Names, ", ")
}

// TaskError is the failure of a single invocation.
type TaskError struct {
	Name         string
	InvocationID string
	Duration     time.Duration
	Err          error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %q failed after %s: %v", e.Name, e.Duration, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// AggregateError collects failures of a run started with ContinueOnError.
type AggregateError struct {
	Errors []error
}

func (e *AggregateError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d tasks failed", len(e.Errors))
	for _, err := range e.Errors {
		sb.WriteString("\n\t")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

func (e *AggregateError) Unwrap() []error {
	return e.Errors
}

// PanicError carries the value a task body panicked with.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// aggregate returns nil, the only error or an *AggregateError.
// Nested aggregates are flattened.
func aggregate(errs []error) error {
	var flat []error
	for _, err := range errs {
		if agg, ok := err.(*AggregateError); ok {
			flat = append(flat, agg.Errors...)
			continue
		}
		flat = append(flat, err)
	}
	switch len(flat) {
	case 0:
		return nil
	case 1:
		return flat[0]
	default:
		return &AggregateError{Errors: flat}
	}
}
