package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/gulp/internal/history"
	"github.com/CZERTAINLY/gulp/internal/log"
	"github.com/CZERTAINLY/gulp/internal/metrics"
	"github.com/CZERTAINLY/gulp/internal/model"
	"github.com/CZERTAINLY/gulp/internal/orchestrator"
	"github.com/CZERTAINLY/gulp/internal/report"
	"github.com/CZERTAINLY/gulp/internal/service"
)

// gulp holds the state of a single command line invocation.
type gulp struct {
	v      *viper.Viper
	stdout io.Writer
	stderr io.Writer

	logger   *slog.Logger
	styles   report.Styles
	gulpfile string // actual gulpfile used (if loaded)
	config   *model.Config
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &gulp{
		v:      viper.New(),
		stdout: stdout,
		stderr: stderr,
		styles: report.PlainStyles(),
	}

	rootCmd := &cobra.Command{
		Use:               "gulp [task...]",
		Short:             "Runs the tasks of a gulpfile, default task when none is given",
		Args:              cobra.ArbitraryArgs,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: g.setup,
		RunE:              g.doRun,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	pflags := rootCmd.PersistentFlags()
	pflags.StringP("gulpfile", "f", "", "gulpfile to load - default is "+model.GulpfileNames[0]+" in the working directory or its parents")
	pflags.String("cwd", "", "change the working directory before anything else")
	pflags.Bool("verbose", false, "verbose logging")
	pflags.String("log-format", "", "log format: text or json - default is text on a terminal")

	flags := rootCmd.Flags()
	flags.BoolP("tasks", "T", false, "print the task tree of the gulpfile")
	flags.Bool("tasks-simple", false, "print a plain list of tasks")
	flags.Bool("series", false, "run the tasks one after another")
	flags.Bool("continue", false, "keep running the remaining tasks after a failure")
	flags.Bool("strict", false, "exit with an error when a task fails")
	flags.Bool("watch", false, "keep running watch and schedule entries after the tasks finished")
	flags.Bool("no-watch", false, "exit once the tasks finished, even with watch or schedule entries")
	rootCmd.MarkFlagsMutuallyExclusive("watch", "no-watch")

	for _, fs := range []*pflag.FlagSet{pflags, flags} {
		if err := g.v.BindPFlags(fs); err != nil {
			panic(err)
		}
	}
	g.v.SetEnvPrefix("GULP")
	g.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	g.v.AutomaticEnv()

	rootCmd.AddCommand(
		g.versionCmd(),
		g.initCmd(),
		g.historyCmd(),
	)
	return rootCmd
}

// setup changes the working directory and sets up logging from flags. The
// gulpfile may refine logging once it is loaded.
func (g *gulp) setup(_ *cobra.Command, _ []string) error {
	if dir := g.v.GetString("cwd"); dir != "" {
		if err := os.Chdir(dir); err != nil {
			return fmt.Errorf("changing working directory: %w", err)
		}
	}
	switch format := g.v.GetString("log-format"); format {
	case "", log.FormatText, log.FormatJSON:
	default:
		return fmt.Errorf("unsupported log format %q: use %s or %s", format, log.FormatText, log.FormatJSON)
	}
	g.setLogger(model.Service{})
	if dir := g.v.GetString("cwd"); dir != "" {
		slog.Info("Working directory changed to " + g.styles.Path.Render(dir))
	}
	return nil
}

// setLogger configures logging. Flags and GULP_ variables win over the
// service section of the gulpfile.
func (g *gulp) setLogger(svc model.Service) {
	cfg := log.Config{
		Verbose: g.v.GetBool("verbose") || svc.Verbose,
		Format:  g.v.GetString("log-format"),
		Output:  g.stderr,
	}
	if cfg.Format == "" {
		cfg.Format = svc.Log
	}
	g.styles = report.PlainStyles()
	if cfg.Format != log.FormatJSON && log.IsTerminal(g.stderr) {
		g.styles = report.ColorStyles()
	}
	g.logger = log.New(cfg)
	slog.SetDefault(g.logger)
}

// load finds, validates and loads the gulpfile.
func (g *gulp) load(ctx context.Context) error {
	path := g.v.GetString("gulpfile")
	if path == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}
		path, err = model.Find(cwd)
		if err != nil {
			slog.ErrorContext(ctx, "No gulpfile found", "dir", cwd)
			return err
		}
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	cfg, err := model.LoadFile(path)
	if err != nil {
		var cfgErr *model.ConfigError
		if errors.As(err, &cfgErr) {
			for _, d := range cfgErr.Details {
				slog.ErrorContext(ctx, "invalid gulpfile", d.Attr("detail"))
			}
		}
		return fmt.Errorf("loading gulpfile %s: %w", path, err)
	}
	cfg.ResolvePaths(filepath.Dir(path))

	g.gulpfile = path
	g.config = cfg
	g.setLogger(cfg.Service)
	slog.InfoContext(ctx, "Using gulpfile "+g.styles.Path.Render(path), "path", path)
	return nil
}

func (g *gulp) doRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := g.load(ctx); err != nil {
		return err
	}
	ctx = log.ContextAttrs(ctx, slog.Group("gulp",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o := orchestrator.New()
	var db *sql.DB
	defer func() {
		// flush pending events before the history goes away
		o.Close()
		if db != nil {
			_ = db.Close()
		}
	}()

	steps, err := service.Register(ctx, o, g.config)
	if err != nil {
		return err
	}
	switch {
	case g.v.GetBool("tasks"):
		label := "Tasks for " + g.styles.Path.Render(g.gulpfile)
		_, err := fmt.Fprintln(g.stdout, report.Tree(label, o, steps, g.styles))
		return err
	case g.v.GetBool("tasks-simple"):
		_, err := fmt.Fprint(g.stdout, report.Simple(o))
		return err
	}

	report.New(g.logger, g.styles).Attach(o)
	if path := g.config.Service.History; path != "" {
		db, err = history.InitDB(ctx, path)
		if err != nil {
			return fmt.Errorf("opening history: %w", err)
		}
		history.NewRecorder(context.WithoutCancel(ctx), db).Attach(o)
	}

	eg, ctx := errgroup.WithContext(ctx)
	if addr := g.config.Service.Metrics; addr != nil {
		m := metrics.New()
		m.Attach(o)
		eg.Go(func() error {
			return m.ListenAndServe(ctx, addr.AsTCPAddr())
		})
	}

	eg.Go(func() error {
		defer cancel()
		if err := g.runTasks(ctx, o, args); err != nil {
			return err
		}
		if !g.watching() {
			return nil
		}
		supervisor, err := service.NewSupervisor(ctx, o, g.config, filepath.Dir(g.gulpfile))
		if err != nil {
			return err
		}
		slog.InfoContext(ctx, "Watching for changes, press Ctrl+C to stop")
		return supervisor.Do(ctx)
	})
	return eg.Wait()
}

// runTasks runs the requested tasks once. Task failures are already
// reported by the event log and fail the command only with --strict.
func (g *gulp) runTasks(ctx context.Context, o *orchestrator.Orchestrator, names []string) error {
	opts := orchestrator.Options{ContinueOnError: g.v.GetBool("continue")}
	var root orchestrator.Node = orchestrator.ParallelOf(names...)
	if g.v.GetBool("series") {
		root = orchestrator.SeriesOf(names...)
	}

	_, err := o.Run(ctx, root, opts)
	var missing *orchestrator.MissingTaskError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &missing):
		slog.ErrorContext(ctx, "Task never defined: "+strings.Join(missing.Names, ", "), "tasks", missing.Names)
		return err
	case errors.Is(err, context.Canceled):
		return nil
	case g.v.GetBool("strict"):
		return err
	default:
		slog.DebugContext(ctx, "tasks failed", "error", err)
		return nil
	}
}

func (g *gulp) watching() bool {
	switch {
	case g.v.GetBool("watch"):
		return true
	case g.v.GetBool("no-watch"):
		return false
	default:
		return len(g.config.Watch) > 0 || len(g.config.Schedule) > 0
	}
}

func (g *gulp) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "version provides version of gulp",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			w := cmd.OutOrStdout()
			info, ok := debug.ReadBuildInfo()
			if !ok {
				fmt.Fprintln(w, "gulp: version info not available")
				return
			}

			if cwd, err := os.Getwd(); err == nil {
				if path, err := model.Find(cwd); err == nil {
					fmt.Fprintf(w, "gulpfile: %s\n", path)
				}
			}
			fmt.Fprintf(w, "gulp:   %s\n", info.Main.Version)
			fmt.Fprintf(w, "go:     %s\n", info.GoVersion)
			for _, s := range info.Settings {
				switch s.Key {
				case "vcs.revision":
					fmt.Fprintf(w, "commit: %s\n", s.Value)
				case "vcs.time":
					fmt.Fprintf(w, "date:   %s\n", s.Value)
				case "vcs.modified":
					fmt.Fprintf(w, "dirty:  %s\n", s.Value)
				}
			}
		},
	}
}
