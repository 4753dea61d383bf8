package service_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CZERTAINLY/gulp/internal/service"
	"github.com/stretchr/testify/require"
)

const supervisorGulpfile = `
defaults:
  dir: %DIR%
tasks:
  ok:
    run: echo ok >> log
  broken:
    run: exit 1
  slow:
    run: sleep 0.3; echo slow >> slow.log
  rebuild:
    run: echo rebuild >> rebuild.log
  tick:
    run: echo tick >> tick.log
watch:
  - paths: ["src/*.txt"]
    tasks: [rebuild]
    debounce: 20ms
schedule:
  - every: 50ms
    tasks: [tick]
`

func TestSupervisor(t *testing.T) {
	t.Parallel()
	requireSh(t)
	ctx, cancel := context.WithCancel(t.Context())
	o, cfg, _, dir := setup(t, ctx, supervisorGulpfile)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "src"), 0o755))

	supervisor, err := service.NewSupervisor(ctx, o, cfg, dir)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		done <- supervisor.Do(ctx)
	}()

	eventually := func(path string, n int) {
		t.Helper()
		require.Eventually(t, func() bool {
			return len(readLines(t, filepath.Join(dir, path))) >= n
		}, 5*time.Second, 10*time.Millisecond, path)
	}

	t.Run("manual trigger", func(t *testing.T) {
		require.NoError(t, supervisor.Trigger("manual", "ok"))
		eventually("log", 1)
	})
	t.Run("failure keeps the loop running", func(t *testing.T) {
		require.NoError(t, supervisor.Trigger("manual", "broken", "ok"))
		require.NoError(t, supervisor.Trigger("other", "doesNotExist"))
		require.NoError(t, supervisor.Trigger("manual", "ok"))
		eventually("log", 3)
	})
	t.Run("single queued rerun", func(t *testing.T) {
		for range 3 {
			require.NoError(t, supervisor.Trigger("slow", "slow"))
		}
		eventually("slow.log", 2)
		time.Sleep(500 * time.Millisecond)
		require.Len(t, readLines(t, filepath.Join(dir, "slow.log")), 2)
	})
	t.Run("schedule", func(t *testing.T) {
		eventually("tick.log", 2)
	})
	t.Run("watch", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "a.md"), []byte("x"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "a.txt"), []byte("x"), 0o644))
		eventually("rebuild.log", 1)
	})

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	require.ErrorIs(t, supervisor.Trigger("manual", "ok"), service.ErrStopped)
}

func TestSupervisorRejectsBadWatch(t *testing.T) {
	t.Parallel()
	o, cfg, _, dir := setup(t, t.Context(), `
tasks:
  a: {run: "true"}
watch:
  - paths: ["../outside/*.go"]
    tasks: [a]
`)
	_, err := service.NewSupervisor(t.Context(), o, cfg, dir)
	require.ErrorContains(t, err, "watch[0]")
}
