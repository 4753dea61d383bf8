package service_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/gulp/internal/model"
	"github.com/CZERTAINLY/gulp/internal/orchestrator"
	"github.com/CZERTAINLY/gulp/internal/service"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// setup loads gulpfile, with every %DIR% replaced by a temporary directory,
// and registers its tasks.
func setup(t *testing.T, ctx context.Context, gulpfile string) (*orchestrator.Orchestrator, *model.Config, service.Steps, string) {
	t.Helper()
	dir := t.TempDir()
	cfg, err := model.LoadConfig(strings.NewReader(strings.ReplaceAll(gulpfile, "%DIR%", dir)))
	require.NoError(t, err)

	o := orchestrator.New()
	t.Cleanup(o.Close)
	steps, err := service.Register(ctx, o, cfg)
	require.NoError(t, err)
	return o, cfg, steps, dir
}

func run(t *testing.T, o *orchestrator.Orchestrator, names ...string) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	_, err := o.Run(ctx, orchestrator.SeriesOf(names...), orchestrator.Options{})
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}

// readLines returns the lines of a file written by tasks, nil if it does
// not exist yet.
func readLines(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Fields(string(b))
}

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skipf("skipped, sh not available: %v", err)
	}
}
