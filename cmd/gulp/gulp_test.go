package main

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/CZERTAINLY/gulp/internal/model"
	"github.com/CZERTAINLY/gulp/internal/orchestrator"
	"github.com/stretchr/testify/require"
)

// Tests in this file are not parallel: the command replaces the default
// slog logger.

const gulpfile = `
tasks:
  clean:
    description: Remove outputs
    run: rm -f out
  a:
    run: echo a >> out
    before: [clean]
  b:
    run: echo b >> out
  broken:
    run: exit 2
  default:
    series: [a, {parallel: [b]}]
`

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd(&stdout, &stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return stdout.String(), stderr.String(), err
}

// creat writes a gulpfile into a fresh directory and returns its path.
func creat(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gulpfile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skipf("skipped, sh not available: %v", err)
	}
}

func TestTasks(t *testing.T) {
	path := creat(t, gulpfile)

	stdout, _, err := execute(t, "-f", path, "--log-format", "json", "-T")
	require.NoError(t, err)
	require.Contains(t, stdout, "Tasks for "+path)
	require.Contains(t, stdout, "clean  Remove outputs")
	require.Contains(t, stdout, "a < clean")
	require.Contains(t, stdout, "parallel(b)")

	stdout, _, err = execute(t, "-f", path, "--log-format", "json", "--tasks-simple")
	require.NoError(t, err)
	require.Equal(t, "clean\na\nb\nbroken\ndefault\n", stdout)
}

func TestRun(t *testing.T) {
	requireSh(t)
	path := creat(t, gulpfile)
	out := filepath.Join(filepath.Dir(path), "out")

	t.Run("default task", func(t *testing.T) {
		_, stderr, err := execute(t, "-f", path, "--log-format", "json")
		require.NoError(t, err)
		require.Contains(t, stderr, "Using gulpfile "+path)
		require.Contains(t, stderr, "Starting 'default'...")
		require.Contains(t, stderr, "Finished 'a' after")
		lines, err := os.ReadFile(out)
		require.NoError(t, err)
		require.Equal(t, "a\nb\n", string(lines))
	})
	t.Run("series", func(t *testing.T) {
		require.NoError(t, os.Remove(out))
		_, _, err := execute(t, "-f", path, "--log-format", "json", "--series", "b", "a")
		require.NoError(t, err)
		lines, err := os.ReadFile(out)
		require.NoError(t, err)
		require.Equal(t, "b\na\n", string(lines))
	})
	t.Run("failure", func(t *testing.T) {
		_, stderr, err := execute(t, "-f", path, "--log-format", "json", "broken")
		require.NoError(t, err)
		require.Contains(t, stderr, "'broken' errored after")

		_, _, err = execute(t, "-f", path, "--log-format", "json", "--strict", "broken")
		var taskErr *orchestrator.TaskError
		require.ErrorAs(t, err, &taskErr)
		require.Equal(t, "broken", taskErr.Name)
	})
	t.Run("strict from environment", func(t *testing.T) {
		t.Setenv("GULP_STRICT", "true")
		_, _, err := execute(t, "-f", path, "--log-format", "json", "broken")
		require.Error(t, err)
	})
	t.Run("missing task", func(t *testing.T) {
		_, stderr, err := execute(t, "-f", path, "--log-format", "json", "doesNotExist")
		var missing *orchestrator.MissingTaskError
		require.ErrorAs(t, err, &missing)
		require.Equal(t, []string{"doesNotExist"}, missing.Names)
		require.Contains(t, stderr, "Task never defined: doesNotExist")
	})
}

func TestGulpfileErrors(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		_, _, err := execute(t, "-f", filepath.Join(t.TempDir(), "gulpfile.yaml"), "--log-format", "json")
		require.ErrorIs(t, err, fs.ErrNotExist)
	})
	t.Run("invalid", func(t *testing.T) {
		path := creat(t, "tasks:\n  a:\n    run: x\n    shell: bash\n")
		_, stderr, err := execute(t, "-f", path, "--log-format", "json")
		var cfgErr *model.ConfigError
		require.ErrorAs(t, err, &cfgErr)
		require.Contains(t, stderr, "invalid gulpfile")
		require.Contains(t, stderr, "tasks.a.shell")
	})
	t.Run("log format", func(t *testing.T) {
		_, _, err := execute(t, "--log-format", "xml", "version")
		require.ErrorContains(t, err, "unsupported log format")
	})
}

func TestInit(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "project")
	stdout, _, err := execute(t, "--log-format", "json", "init", dir)
	require.NoError(t, err)
	path := filepath.Join(dir, "gulpfile.yaml")
	require.Equal(t, "Created "+path+"\n", stdout)

	cfg, err := model.LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, model.Example().Tasks, cfg.Tasks)

	_, _, err = execute(t, "--log-format", "json", "init", dir)
	require.ErrorContains(t, err, "already exists")
	_, _, err = execute(t, "--log-format", "json", "init", "--force", dir)
	require.NoError(t, err)
}

func TestHistory(t *testing.T) {
	requireSh(t)
	path := creat(t, gulpfile+`
service:
  history: .gulp/history.db
`)
	_, _, err := execute(t, "-f", path, "--log-format", "json", "--continue", "b", "broken")
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(filepath.Dir(path), ".gulp", "history.db"))

	stdout, _, err := execute(t, "-f", path, "--log-format", "json", "history", "--limit", "10")
	require.NoError(t, err)
	require.Contains(t, stdout, "STARTED")
	require.Contains(t, stdout, "broken")
	require.Contains(t, stdout, "failed")
	require.Contains(t, stdout, "exit status 2")
	require.True(t, strings.HasSuffix(strings.TrimSpace(stdout), "2 invocations"), stdout)

	stdout, stderr, err := execute(t, "-f", path, "--log-format", "json", "history", "--prune", "1")
	require.NoError(t, err)
	require.Contains(t, stderr, "history pruned")
	require.True(t, strings.HasSuffix(strings.TrimSpace(stdout), "1 invocations"), stdout)

	_, _, err = execute(t, "-f", path, "--log-format", "json", "history", "--prune", "-1")
	require.ErrorContains(t, err, "must not be negative")

	_, _, err = execute(t, "-f", creat(t, gulpfile), "--log-format", "json", "history")
	require.ErrorContains(t, err, "service.history is not set")
}

func TestVersion(t *testing.T) {
	stdout, _, err := execute(t, "--log-format", "json", "version")
	require.NoError(t, err)
	require.Contains(t, stdout, "go:")
}
