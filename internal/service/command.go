package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/sethvargo/go-retry"

	"github.com/CZERTAINLY/gulp/internal/log"
	"github.com/CZERTAINLY/gulp/internal/model"
	"github.com/CZERTAINLY/gulp/internal/orchestrator"
)

const defaultBackoff = time.Second

// CommandTask executes a run or command task of the gulpfile.
type CommandTask struct {
	ctx     context.Context
	proto   Command
	env     map[string]string
	retries uint64
	backoff time.Duration
}

// commandSpec holds the parts of a command the gulpfile defaults apply to.
type commandSpec struct {
	Env     map[string]string
	Dir     string
	Timeout model.Duration
}

// NewCommandTask prepares t for execution. Processes are killed once ctx
// is canceled.
func NewCommandTask(ctx context.Context, t model.TaskConfig, defaults *model.Defaults) (*CommandTask, error) {
	var proto Command
	spec := commandSpec{}
	switch {
	case t.Run != "":
		proto = Command{Path: "sh", Args: []string{"-c", t.Run}}
	case t.Command != nil:
		proto = Command{Path: t.Command.Path, Args: slices.Clone(t.Command.Args)}
		spec = commandSpec{
			Env:     maps.Clone(t.Command.Env),
			Dir:     t.Command.Dir,
			Timeout: t.Command.Timeout,
		}
	default:
		return nil, model.ErrNoBody
	}

	if defaults != nil {
		err := mergo.Merge(&spec, commandSpec{
			Env:     maps.Clone(defaults.Env),
			Dir:     defaults.Dir,
			Timeout: defaults.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("merging defaults: %w", err)
		}
	}
	for k, v := range spec.Env {
		if strings.HasPrefix(v, "$") {
			spec.Env[k] = os.ExpandEnv(v)
		}
	}
	proto.Dir = spec.Dir
	proto.Timeout = spec.Timeout.Std()

	c := &CommandTask{
		ctx:     ctx,
		proto:   proto,
		env:     spec.Env,
		backoff: defaultBackoff,
	}
	if t.Retry != nil {
		if t.Retry.Attempts > 1 {
			c.retries = uint64(t.Retry.Attempts - 1)
		}
		if t.Retry.Backoff > 0 {
			c.backoff = t.Retry.Backoff.Std()
		}
	}
	return c, nil
}

// Body is the orchestrator task body. The invocation settles when the
// process, including its retries, exits.
func (c *CommandTask) Body(s *orchestrator.Scope) any {
	return orchestrator.Go(func() error {
		return c.Run(s)
	})
}

// Run executes the command for the invocation s and fails on a non-zero
// exit status.
func (c *CommandTask) Run(s *orchestrator.Scope) error {
	ctx := log.ContextAttrs(c.ctx,
		slog.String("task", s.Name()),
		slog.String("invocation", s.InvocationID()),
	)
	proto := c.proto
	proto.Env = c.environ(s)

	attempt := 0
	backoff := retry.WithMaxRetries(c.retries, retry.NewExponential(c.backoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := c.once(ctx, proto)
		if err == nil {
			return nil
		}
		if uint64(attempt) > c.retries {
			return err
		}
		slog.WarnContext(ctx, "command failed: retrying", "attempt", attempt, "error", err)
		return retry.RetryableError(err)
	})
}

func (c *CommandTask) once(ctx context.Context, proto Command) error {
	runner := NewRunner()
	defer runner.Close()
	if err := runner.Start(ctx, proto, logLine); err != nil {
		return fmt.Errorf("starting %s: %w", proto.Path, err)
	}
	res := <-runner.Wait()
	if res.Err != nil {
		return fmt.Errorf("%s: %w", proto.Path, res.Err)
	}
	if res.State == nil || !res.State.Success() {
		return fmt.Errorf("%s: %w", proto.Path, errors.New("unsuccessful exit"))
	}
	return nil
}

// environ returns the process environment: the current one, the task env
// and the Scope fields as GULP_TASK and GULP_FIELD_<KEY>.
func (c *CommandTask) environ(s *orchestrator.Scope) []string {
	env := os.Environ()
	for _, k := range slices.Sorted(maps.Keys(c.env)) {
		env = append(env, k+"="+c.env[k])
	}
	env = append(env, "GULP_TASK="+s.Name())
	fields := s.Fields()
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		env = append(env, "GULP_FIELD_"+envKey(k)+"="+s.String(k))
	}
	return env
}

func envKey(k string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, k)
}

func logLine(ctx context.Context, stream, line string) {
	slog.InfoContext(ctx, line, "stream", stream)
}
