package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	gocron "github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/gulp/internal/model"
	"github.com/CZERTAINLY/gulp/internal/orchestrator"
	"github.com/CZERTAINLY/gulp/internal/watch"
)

// ErrStopped is returned by Trigger once the supervisor loop has ended.
var ErrStopped = errors.New("supervisor stopped")

// Supervisor runs tasks whenever one of its trigger sources fires: file
// changes, schedules or a manual Trigger.
type Supervisor struct {
	o         *orchestrator.Orchestrator
	watcher   *watch.Watcher
	scheduler gocron.Scheduler

	triggers chan trigger
	finished chan string
	stopped  chan struct{}
	stopOnce sync.Once

	// sources is owned by the Do loop
	sources map[string]*source
	wg      sync.WaitGroup
}

type trigger struct {
	source string
	tasks  []string
}

type source struct {
	tasks   []string
	running bool
	queued  bool
}

// NewSupervisor wires the watch and schedule entries of cfg. Watch patterns
// are relative to root.
func NewSupervisor(ctx context.Context, o *orchestrator.Orchestrator, cfg *model.Config, root string) (*Supervisor, error) {
	s := &Supervisor{
		o:        o,
		triggers: make(chan trigger, 1),
		finished: make(chan string, 1),
		stopped:  make(chan struct{}),
		sources:  make(map[string]*source),
	}

	if len(cfg.Watch) > 0 {
		w, err := watch.New(root)
		if err != nil {
			return nil, err
		}
		for i, entry := range cfg.Watch {
			name := fmt.Sprintf("watch[%d]", i)
			err := w.Add(entry.Paths, entry.Debounce.Std(), func(paths []string) {
				slog.InfoContext(ctx, "files changed", "source", name, "paths", paths)
				_ = s.Trigger(name, entry.Tasks...)
			})
			if err != nil {
				w.Close()
				return nil, fmt.Errorf("%s: %w", name, err)
			}
		}
		s.watcher = w
	}

	if len(cfg.Schedule) > 0 {
		scheduler, err := newScheduler(ctx, cfg.Schedule, func(name string, tasks []string) {
			_ = s.Trigger(name, tasks...)
		})
		if err != nil {
			if s.watcher != nil {
				s.watcher.Close()
			}
			return nil, err
		}
		s.scheduler = scheduler
	}
	return s, nil
}

// Trigger asks the loop to run tasks on behalf of source. While a run of the
// same source is in progress, a single rerun is queued.
func (s *Supervisor) Trigger(source string, tasks ...string) error {
	select {
	case <-s.stopped:
		return ErrStopped
	default:
	}
	select {
	case s.triggers <- trigger{source: source, tasks: tasks}:
		return nil
	case <-s.stopped:
		return ErrStopped
	}
}

// Do runs the supervisor event loop until ctx is canceled. Run failures are
// logged and never stop the loop. On return, schedules and watchers are shut
// down and in-flight runs have finished.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor")
	g, gctx := errgroup.WithContext(ctx)

	if s.scheduler != nil {
		s.scheduler.Start()
		defer func() {
			if err := s.scheduler.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}
	if s.watcher != nil {
		g.Go(func() error {
			return s.watcher.Run(gctx)
		})
	}

	g.Go(func() error {
		defer s.stop()
		s.loop(gctx)
		return nil
	})
	err := g.Wait()
	s.wg.Wait()
	return err
}

func (s *Supervisor) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.triggers:
			src, ok := s.sources[t.source]
			if !ok {
				src = &source{}
				s.sources[t.source] = src
			}
			src.tasks = t.tasks
			if src.running {
				slog.DebugContext(ctx, "run in progress: queued", "source", t.source)
				src.queued = true
				continue
			}
			s.start(ctx, t.source, src)
		case name := <-s.finished:
			src := s.sources[name]
			src.running = false
			if src.queued {
				src.queued = false
				s.start(ctx, name, src)
			}
		}
	}
}

func (s *Supervisor) start(ctx context.Context, name string, src *source) {
	slog.InfoContext(ctx, "running tasks", "source", name, "tasks", src.tasks)
	src.running = true
	h := s.o.RunParallel(ctx, orchestrator.Options{ContinueOnError: true}, nil, src.tasks...)
	s.wg.Go(func() {
		<-h.Done()
		if err := h.Err(); err != nil {
			slog.ErrorContext(ctx, "run failed", "source", name, "error", err)
		}
		select {
		case s.finished <- name:
		case <-s.stopped:
		}
	})
}

func (s *Supervisor) stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

func newScheduler(ctx context.Context, entries []model.Schedule, fn func(name string, tasks []string)) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	for i, entry := range entries {
		name := fmt.Sprintf("schedule[%d]", i)
		var job gocron.JobDefinition
		switch {
		case entry.Cron != "":
			if _, err := model.ParseCron(entry.Cron); err != nil {
				_ = s.Shutdown()
				return nil, fmt.Errorf("parsing %s.cron: %w", name, err)
			}
			job = gocron.CronJob(entry.Cron, false)
			slog.DebugContext(ctx, "successfully parsed", "source", name, "cron", entry.Cron)
		case entry.Every > 0:
			job = gocron.DurationJob(entry.Every.Std())
			slog.DebugContext(ctx, "successfully parsed", "source", name, "every", entry.Every.Std().String())
		default:
			_ = s.Shutdown()
			return nil, fmt.Errorf("%s: %w", name, model.ErrNoTrigger)
		}
		tasks := entry.Tasks
		_, err = s.NewJob(job, gocron.NewTask(func() { fn(name, tasks) }), gocron.WithName(name))
		if err != nil {
			_ = s.Shutdown()
			return nil, fmt.Errorf("initializing gocron job %s: %w", name, err)
		}
	}
	return s, nil
}
