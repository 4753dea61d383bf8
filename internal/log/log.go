package log

import (
	"context"
	"io"
	"log/slog"
	"os"

	charmlog "github.com/charmbracelet/log"
	"github.com/mattn/go-isatty"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

type slogKeyT struct{}

var slogKey slogKeyT

// ContextHandler adds attributes stored by ContextAttrs to every record.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{
		Handler: handler,
	}
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(slogKey).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}

	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// ContextAttrs returns a context whose log records carry attrs in addition
// to the ones already stored on ctx.
func ContextAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	a, ok := ctx.Value(slogKey).([]slog.Attr)
	n := make([]slog.Attr, 0, len(a)+len(attrs))
	if ok {
		n = append(n, a...)
	}
	n = append(n, attrs...)
	return context.WithValue(ctx, slogKey, n)
}

type Config struct {
	Verbose bool
	// Format is FormatText, FormatJSON or empty, which picks text for a
	// terminal and JSON otherwise.
	Format string
	Output io.Writer
}

func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}

	format := cfg.Format
	if format == "" {
		format = FormatJSON
		if IsTerminal(out) {
			format = FormatText
		}
	}

	var base slog.Handler
	switch format {
	case FormatText:
		charmLevel := charmlog.InfoLevel
		if cfg.Verbose {
			charmLevel = charmlog.DebugLevel
		}
		base = charmlog.NewWithOptions(out, charmlog.Options{
			ReportTimestamp: true,
			TimeFormat:      "15:04:05",
			Level:           charmLevel,
		})
	default:
		base = slog.NewJSONHandler(out, &slog.HandlerOptions{
			AddSource: false,
			Level:     level,
		})
	}
	return slog.New(NewContextHandler(base))
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
