package service

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"dario.cat/mergo"

	"github.com/CZERTAINLY/gulp/internal/model"
	"github.com/CZERTAINLY/gulp/internal/orchestrator"
)

// Steps maps every composite task to the labels of its steps.
type Steps map[string][]string

// Register adds the tasks of cfg to o in gulpfile order. Command processes
// and nested runs of composite tasks are bound to ctx.
func Register(ctx context.Context, o *orchestrator.Orchestrator, cfg *model.Config) (Steps, error) {
	steps := make(Steps)
	for _, name := range cfg.Names() {
		t := cfg.Tasks[name]
		fields, err := taskFields(t, cfg.Defaults)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", name, err)
		}
		opts := []orchestrator.TaskOption{
			orchestrator.WithDescription(t.Description),
			orchestrator.WithFields(fields),
			orchestrator.WithBefore(t.Before...),
			orchestrator.WithAfter(t.After...),
		}

		var body any
		switch {
		case t.Series != nil:
			body = compositeBody(ctx, o, orchestrator.Series(nodes(t.Series)...))
			steps[name] = labels(t.Series)
		case t.Parallel != nil:
			body = compositeBody(ctx, o, orchestrator.Parallel(nodes(t.Parallel)...))
			steps[name] = labels(t.Parallel)
		default:
			c, err := NewCommandTask(ctx, t, cfg.Defaults)
			if err != nil {
				return nil, fmt.Errorf("task %q: %w", name, err)
			}
			body = c.Body
		}
		if err := o.Task(name, body, opts...); err != nil {
			return nil, fmt.Errorf("task %q: %w", name, err)
		}
	}
	return steps, nil
}

// compositeBody returns the run of root as the invocation's Future.
func compositeBody(ctx context.Context, o *orchestrator.Orchestrator, root orchestrator.Node) func(*orchestrator.Scope) any {
	return func(*orchestrator.Scope) any {
		return o.Start(ctx, root, orchestrator.Options{}, nil)
	}
}

func taskFields(t model.TaskConfig, defaults *model.Defaults) (map[string]any, error) {
	fields := maps.Clone(t.Fields)
	if fields == nil {
		fields = make(map[string]any)
	}
	if defaults != nil && len(defaults.Fields) > 0 {
		if err := mergo.Merge(&fields, defaults.Fields); err != nil {
			return nil, fmt.Errorf("merging default fields: %w", err)
		}
	}
	return fields, nil
}

func nodes(steps []model.Step) []orchestrator.Node {
	ret := make([]orchestrator.Node, 0, len(steps))
	for _, s := range steps {
		switch {
		case s.Task != "":
			ret = append(ret, orchestrator.Ref(s.Task))
		case s.Series != nil:
			ret = append(ret, orchestrator.Series(nodes(s.Series)...))
		default:
			ret = append(ret, orchestrator.Parallel(nodes(s.Parallel)...))
		}
	}
	return ret
}

func labels(steps []model.Step) []string {
	ret := make([]string, 0, len(steps))
	for _, s := range steps {
		ret = append(ret, label(s))
	}
	return ret
}

// label renders a step as lint, series(fmt, vet) or parallel(a, b).
func label(s model.Step) string {
	switch {
	case s.Task != "":
		return s.Task
	case s.Series != nil:
		return "series(" + strings.Join(labels(s.Series), ", ") + ")"
	default:
		return "parallel(" + strings.Join(labels(s.Parallel), ", ") + ")"
	}
}
