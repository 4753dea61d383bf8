// Package report renders orchestrator lifecycle events as log lines and
// the task list as a tree.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/CZERTAINLY/gulp/internal/orchestrator"
)

type Styles struct {
	Name  lipgloss.Style
	Time  lipgloss.Style
	Error lipgloss.Style
	Path  lipgloss.Style
}

// ColorStyles highlights task names in cyan, times and paths in magenta
// and errors in red.
func ColorStyles() Styles {
	return Styles{
		Name:  lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		Time:  lipgloss.NewStyle().Foreground(lipgloss.Color("5")),
		Error: lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
		Path:  lipgloss.NewStyle().Foreground(lipgloss.Color("5")),
	}
}

// PlainStyles renders text unchanged.
func PlainStyles() Styles {
	return Styles{
		Name:  lipgloss.NewStyle(),
		Time:  lipgloss.NewStyle(),
		Error: lipgloss.NewStyle(),
		Path:  lipgloss.NewStyle(),
	}
}

// Reporter logs one line per lifecycle event.
type Reporter struct {
	logger *slog.Logger
	styles Styles
}

func New(logger *slog.Logger, styles Styles) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{logger: logger, styles: styles}
}

// Attach subscribes the reporter to every event of o. The returned func
// detaches it.
func (r *Reporter) Attach(o *orchestrator.Orchestrator) func() {
	return o.OnAll(r.Handle)
}

func (r *Reporter) Handle(e orchestrator.Event) {
	ctx := context.Background()
	name := "'" + r.styles.Name.Render(e.Name) + "'"
	attrs := []any{"task", e.Name, "invocation", e.InvocationID}
	switch e.Kind {
	case orchestrator.EventStart:
		r.logger.InfoContext(ctx, "Starting "+name+"...", attrs...)
	case orchestrator.EventEnd:
		took := r.styles.Time.Render(Duration(e.Duration))
		r.logger.InfoContext(ctx, "Finished "+name+" after "+took, append(attrs, "duration", e.Duration)...)
	case orchestrator.EventError:
		took := r.styles.Time.Render(Duration(e.Duration))
		msg := fmt.Sprintf("%s errored after %s: %s", name, took, r.styles.Error.Render(reason(e.Err)))
		r.logger.ErrorContext(ctx, msg, append(attrs, "duration", e.Duration, "error", e.Err)...)
	}
}

func reason(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

var units = []struct {
	name string
	size time.Duration
}{
	{"h", time.Hour},
	{"min", time.Minute},
	{"s", time.Second},
	{"ms", time.Millisecond},
	{"μs", time.Microsecond},
}

// Duration formats d in the largest unit it reaches with at most two
// decimals: 850 ns, 12.5 μs, 1.23 ms, 4 s, 2.5 min.
func Duration(d time.Duration) string {
	if d < 0 {
		return "-" + Duration(-d)
	}
	for _, u := range units {
		if d >= u.size {
			v := float64(d) / float64(u.size)
			s := strconv.FormatFloat(v, 'f', 2, 64)
			s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
			return s + " " + u.name
		}
	}
	return strconv.FormatInt(int64(d), 10) + " ns"
}
