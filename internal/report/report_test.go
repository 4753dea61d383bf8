package report_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/gulp/internal/orchestrator"
	"github.com/CZERTAINLY/gulp/internal/report"
	"github.com/stretchr/testify/require"
)

func TestDuration(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		given time.Duration
		then  string
	}{
		{0, "0 ns"},
		{850 * time.Nanosecond, "850 ns"},
		{12500 * time.Nanosecond, "12.5 μs"},
		{1234567 * time.Nanosecond, "1.23 ms"},
		{4 * time.Second, "4 s"},
		{7400 * time.Millisecond, "7.4 s"},
		{150 * time.Second, "2.5 min"},
		{90 * time.Minute, "1.5 h"},
		{-2 * time.Millisecond, "-2 ms"},
	}
	for _, tt := range testCases {
		t.Run(tt.then, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.then, report.Duration(tt.given))
		})
	}
}

func decode(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var ret []map[string]any
	for line := range strings.Lines(buf.String()) {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		ret = append(ret, rec)
	}
	return ret
}

func TestReporterHandle(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	r := report.New(slog.New(slog.NewJSONHandler(&buf, nil)), report.PlainStyles())

	r.Handle(orchestrator.Event{Kind: orchestrator.EventStart, Name: "build", InvocationID: "1"})
	r.Handle(orchestrator.Event{Kind: orchestrator.EventEnd, Name: "build", InvocationID: "1", Duration: 1230 * time.Microsecond})
	r.Handle(orchestrator.Event{Kind: orchestrator.EventError, Name: "test", InvocationID: "2", Duration: 4 * time.Second, Err: errors.New("exit status 1")})

	recs := decode(t, &buf)
	require.Len(t, recs, 3)
	require.Equal(t, "Starting 'build'...", recs[0]["msg"])
	require.Equal(t, "INFO", recs[0]["level"])
	require.Equal(t, "build", recs[0]["task"])
	require.Equal(t, "Finished 'build' after 1.23 ms", recs[1]["msg"])
	require.Equal(t, "'test' errored after 4 s: exit status 1", recs[2]["msg"])
	require.Equal(t, "ERROR", recs[2]["level"])
	require.Equal(t, "exit status 1", recs[2]["error"])
	require.Equal(t, "2", recs[2]["invocation"])
}

func TestReporterAttach(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	o := orchestrator.New()
	r := report.New(slog.New(slog.NewJSONHandler(&buf, nil)), report.PlainStyles())
	detach := r.Attach(o)
	require.NoError(t, o.Task("a", func() {}))

	_, err := o.Run(t.Context(), orchestrator.ParallelOf("a"), orchestrator.Options{})
	require.NoError(t, err)
	detach()
	o.Close()

	recs := decode(t, &buf)
	require.Len(t, recs, 2)
	require.Equal(t, "Starting 'a'...", recs[0]["msg"])
	require.True(t, strings.HasPrefix(recs[1]["msg"].(string), "Finished 'a' after "))
}

func TestTree(t *testing.T) {
	t.Parallel()
	o := orchestrator.New()
	t.Cleanup(o.Close)
	require.NoError(t, o.Task("clean", func() {}))
	require.NoError(t, o.Task("build", func() {},
		orchestrator.WithBefore("clean"),
		orchestrator.WithAfter("deploy"),
		orchestrator.WithDescription("Build it"),
	))
	require.NoError(t, o.Task("default", func() {}))

	out := report.Tree("Tasks for gulpfile.yaml", o, map[string][]string{
		"default": {"clean", "build"},
	}, report.PlainStyles())

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Equal(t, "Tasks for gulpfile.yaml", lines[0])
	require.Contains(t, lines[1], "clean")
	require.Contains(t, lines[2], "build < clean > deploy  Build it")
	require.Contains(t, lines[3], "default")
	require.Contains(t, lines[4], "clean")
	require.Contains(t, lines[5], "build")
	require.Len(t, lines, 6)

	require.Equal(t, "clean\nbuild\ndefault\n", report.Simple(o))
}
