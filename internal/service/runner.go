package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	ErrNotStarted = errors.New("command not started")
	ErrInProgress = errors.New("command in progress")
	ErrTimeout    = errors.New("command timed out")
)

// LineFunc receives every line a command writes to stdout or stderr.
type LineFunc func(ctx context.Context, stream, line string)

// Command is a process to execute. Env is the complete environment.
type Command struct {
	Path    string
	Args    []string
	Env     []string
	Dir     string
	Timeout time.Duration
}

type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Err     error
}

// Runner executes a single Command at a time.
type Runner struct {
	mx         sync.Mutex
	cmd        *exec.Cmd
	cancelFunc context.CancelFunc
	result     Result
	waits      []chan Result
}

func NewRunner() *Runner {
	return &Runner{
		result: Result{Err: ErrNotStarted},
	}
}

// Start runs the process without waiting for it. It returns ErrInProgress
// when the previous process did not finish yet, or an exec error. Output
// lines are passed to lines, if not nil.
func (r *Runner) Start(ctx context.Context, proto Command, lines LineFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}

	var cancel context.CancelFunc
	if proto.Timeout > 0 {
		ctx, cancel = context.WithTimeoutCause(ctx, proto.Timeout, fmt.Errorf("%w after %s", ErrTimeout, proto.Timeout))
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	cmd.Env = proto.Env
	cmd.Dir = proto.Dir
	// grandchildren may keep the output pipes open after a kill
	cmd.WaitDelay = time.Second

	var outputs []*lineWriter
	if lines != nil {
		stdout := &lineWriter{ctx: ctx, stream: "stdout", fn: lines}
		stderr := &lineWriter{ctx: ctx, stream: "stderr", fn: lines}
		cmd.Stdout, cmd.Stderr = stdout, stderr
		outputs = append(outputs, stdout, stderr)
	}

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		cancel()
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		return err
	}
	slog.DebugContext(ctx, "command started", "path", proto.Path, "pid", cmd.Process.Pid)

	r.cmd = cmd
	r.cancelFunc = cancel
	go r.wait(ctx, cmd, outputs)
	return nil
}

// lineWriter splits process output into lines.
type lineWriter struct {
	ctx    context.Context
	stream string
	fn     LineFunc

	mx  sync.Mutex
	buf []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mx.Lock()
	defer w.mx.Unlock()
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.fn(w.ctx, w.stream, string(bytes.TrimSuffix(w.buf[:i], []byte("\r"))))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// flush passes an unterminated last line.
func (w *lineWriter) flush() {
	w.mx.Lock()
	defer w.mx.Unlock()
	if len(w.buf) > 0 {
		w.fn(w.ctx, w.stream, string(w.buf))
		w.buf = nil
	}
}

func (r *Runner) wait(ctx context.Context, cmd *exec.Cmd, outputs []*lineWriter) {
	err := cmd.Wait()
	for _, w := range outputs {
		w.flush()
	}
	if cause := context.Cause(ctx); err != nil && errors.Is(cause, ErrTimeout) {
		err = fmt.Errorf("%w: %w", cause, err)
	}
	stopped := time.Now().UTC()

	r.mx.Lock()
	r.cancelFunc()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	r.cmd = nil
	r.cancelFunc = nil
	res := r.result
	waits := r.waits
	r.waits = nil
	r.mx.Unlock()

	for _, ch := range waits {
		ch <- res
		close(ch)
	}
}

// Wait returns a channel receiving the result of the running process. The
// channel is closed afterwards. If nothing runs, the last result is sent
// immediately.
func (r *Runner) Wait() <-chan Result {
	ch := make(chan Result, 1)
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd == nil {
		ch <- r.result
		close(ch)
		return ch
	}
	r.waits = append(r.waits, ch)
	return ch
}

// LastResult returns the result of the last process, or one carrying
// ErrNotStarted or ErrInProgress.
func (r *Runner) LastResult() Result {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		res := r.result
		res.Err = ErrInProgress
		return res
	}
	return r.result
}

// Close kills the running process, if any.
func (r *Runner) Close() {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cancelFunc != nil {
		r.cancelFunc()
	}
}
