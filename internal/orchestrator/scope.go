package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"github.com/CZERTAINLY/gulp/internal/log"
)

// Scope is the execution context of a single invocation. It holds a shallow
// copy of the task's Fields plus the "name" key and is owned by exactly
// one invocation, so bodies may mutate it freely.
type Scope struct {
	ctx          context.Context
	name         string
	invocationID string
	fields       map[string]any
}

func newScope(ctx context.Context, task Task, invocationID string) *Scope {
	fields := make(map[string]any, len(task.Fields)+1)
	maps.Copy(fields, task.Fields)
	fields["name"] = task.Name
	ctx = log.ContextAttrs(ctx,
		slog.String("task", task.Name),
		slog.String("invocation", invocationID),
	)
	return &Scope{
		ctx:          ctx,
		name:         task.Name,
		invocationID: invocationID,
		fields:       fields,
	}
}

// Name returns the name the task was registered under.
func (s *Scope) Name() string { return s.name }

func (s *Scope) InvocationID() string { return s.invocationID }

// Context carries logging attributes of the invocation. It is never
// canceled by the scheduler.
func (s *Scope) Context() context.Context { return s.ctx }

func (s *Scope) Get(key string) (any, bool) {
	v, ok := s.fields[key]
	return v, ok
}

// String returns the field formatted with %v, or "" if it is not set.
func (s *Scope) String(key string) string {
	v, ok := s.fields[key]
	if !ok || v == nil {
		return ""
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprintf("%v", v)
}

func (s *Scope) Set(key string, value any) {
	s.fields[key] = value
}

// Fields returns a copy of all fields, including "name".
func (s *Scope) Fields() map[string]any {
	return maps.Clone(s.fields)
}
