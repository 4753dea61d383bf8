package orchestrator

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// A request tracked before a reset must not run, even when the reset lands
// before its names are resolved.
func TestDiscardBeforeResolve(t *testing.T) {
	t.Parallel()
	bus := NewBus()
	defer bus.Close()
	registry := NewRegistry()
	s := NewScheduler(registry, bus)

	var ran atomic.Bool
	require.NoError(t, registry.Register(Task{Name: "a", Body: func() { ran.Store(true) }}))

	h := newHandle(Options{}, nil)
	s.track(h)
	s.Discard()
	s.start(t.Context(), h, SeriesOf("a"))

	<-h.Done()
	require.ErrorIs(t, h.Err(), ErrDiscarded)
	require.False(t, ran.Load())
	require.Empty(t, s.runs)
	require.Empty(t, s.Running())
}

func TestRejectedRequestIsUntracked(t *testing.T) {
	t.Parallel()
	bus := NewBus()
	defer bus.Close()
	s := NewScheduler(NewRegistry(), bus)

	h := s.Start(t.Context(), ParallelOf("missing"), Options{}, nil)
	<-h.Done()
	var missing *MissingTaskError
	require.ErrorAs(t, h.Err(), &missing)
	require.Empty(t, s.runs)
}
