package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/CZERTAINLY/gulp/internal/orchestrator"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newOrchestrator(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	o := orchestrator.New()
	t.Cleanup(o.Close)
	return o
}

// run waits for root with a deadline so a broken scheduler fails the test
// instead of hanging it.
func run(t *testing.T, o *orchestrator.Orchestrator, root orchestrator.Node, opts orchestrator.Options) (orchestrator.Stats, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	h := o.Start(ctx, root, opts, nil)
	select {
	case <-h.Done():
		return h.Stats(), h.Err()
	case <-ctx.Done():
		require.FailNow(t, "run request did not complete")
		return orchestrator.Stats{}, nil
	}
}

func mustTask(t *testing.T, o *orchestrator.Orchestrator, name string, body any, opts ...orchestrator.TaskOption) {
	t.Helper()
	require.NoError(t, o.Task(name, body, opts...))
}
