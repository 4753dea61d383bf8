package orchestrator_test

import (
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/gulp/internal/orchestrator"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mx     sync.Mutex
	events []orchestrator.Event
}

func (r *recorder) handle(e orchestrator.Event) {
	r.mx.Lock()
	r.events = append(r.events, e)
	r.mx.Unlock()
}

func (r *recorder) get() []orchestrator.Event {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]orchestrator.Event(nil), r.events...)
}

func (r *recorder) kinds(name string) []orchestrator.Kind {
	var ret []orchestrator.Kind
	for _, e := range r.get() {
		if e.Name == name {
			ret = append(ret, e.Kind)
		}
	}
	return ret
}

func TestEvents(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		o := newOrchestrator(t)
		var all, failures recorder
		o.OnAll(all.handle)
		o.On(orchestrator.EventError, failures.handle)

		mustTask(t, o, "ok", func() any {
			return orchestrator.Go(func() error {
				time.Sleep(10 * time.Millisecond)
				return nil
			})
		})
		mustTask(t, o, "bad", func() any {
			return orchestrator.Go(func() error {
				time.Sleep(20 * time.Millisecond)
				return errBoom
			})
		})

		stats, err := run(t, o, orchestrator.ParallelOf("ok", "bad"), orchestrator.Options{})
		require.Error(t, err)
		o.Close()

		require.Equal(t, []orchestrator.Kind{orchestrator.EventStart, orchestrator.EventEnd}, all.kinds("ok"))
		require.Equal(t, []orchestrator.Kind{orchestrator.EventStart, orchestrator.EventError}, all.kinds("bad"))
		require.Len(t, all.get(), 4)

		fail := failures.get()
		require.Len(t, fail, 1)
		require.Equal(t, "bad", fail[0].Name)
		require.Equal(t, errBoom, fail[0].Err, "error events carry the reason given by the body")
		require.Equal(t, 20*time.Millisecond, fail[0].Duration)

		ids := make(map[string]string)
		for _, inv := range stats.Invocations {
			ids[inv.Name] = inv.ID
		}
		for _, e := range all.get() {
			require.Equal(t, ids[e.Name], e.InvocationID)
			switch e.Kind {
			case orchestrator.EventStart:
				require.Zero(t, e.Duration)
				require.NoError(t, e.Err)
			case orchestrator.EventEnd:
				require.Equal(t, 10*time.Millisecond, e.Duration)
				require.NoError(t, e.Err)
			}
		}
	})
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		o := newOrchestrator(t)
		release := make(chan struct{})
		var rec recorder
		o.OnAll(func(e orchestrator.Event) {
			<-release
			rec.handle(e)
		})
		mustTask(t, o, "a", func() {})
		mustTask(t, o, "b", func() {})

		_, err := run(t, o, orchestrator.SeriesOf("a", "b"), orchestrator.Options{})
		require.NoError(t, err)
		require.Empty(t, rec.get())

		close(release)
		o.Close()
		require.Len(t, rec.get(), 4)
	})
}

func TestPanickingSubscriber(t *testing.T) {
	t.Parallel()
	o := newOrchestrator(t)
	var calls sync.WaitGroup
	calls.Add(4)
	o.OnAll(func(orchestrator.Event) {
		calls.Done()
		panic("subscriber bug")
	})
	var rec recorder
	o.OnAll(rec.handle)
	mustTask(t, o, "a", func() {})

	for range 2 {
		_, err := run(t, o, orchestrator.ParallelOf("a"), orchestrator.Options{})
		require.NoError(t, err)
	}
	calls.Wait()
	o.Close()
	require.Len(t, rec.get(), 4)
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()
	o := newOrchestrator(t)
	var rec recorder
	unsubscribe := o.On(orchestrator.EventStart, rec.handle)
	mustTask(t, o, "a", func() {})

	_, err := run(t, o, orchestrator.ParallelOf("a"), orchestrator.Options{})
	require.NoError(t, err)
	unsubscribe()
	unsubscribe()

	_, err = run(t, o, orchestrator.ParallelOf("a"), orchestrator.Options{})
	require.NoError(t, err)
	o.Close()
	require.Len(t, rec.get(), 1)
}

func TestSubscribeAfterClose(t *testing.T) {
	t.Parallel()
	o := newOrchestrator(t)
	o.Close()
	unsubscribe := o.OnAll(func(orchestrator.Event) { t.Error("unexpected event") })
	unsubscribe()
	mustTask(t, o, "a", func() {})
	_, err := run(t, o, orchestrator.ParallelOf("a"), orchestrator.Options{})
	require.NoError(t, err)
}

func TestUnsubscribeAfterClose(t *testing.T) {
	t.Parallel()
	o := newOrchestrator(t)
	var rec recorder
	unsubscribe := o.OnAll(rec.handle)
	mustTask(t, o, "a", func() {})
	_, err := run(t, o, orchestrator.ParallelOf("a"), orchestrator.Options{})
	require.NoError(t, err)

	o.Close()
	require.NotPanics(t, unsubscribe)
	require.NotPanics(t, unsubscribe)
	require.Len(t, rec.get(), 2)
}

func TestKindString(t *testing.T) {
	t.Parallel()
	require.Equal(t, "task_start", orchestrator.EventStart.String())
	require.Equal(t, "task_end", orchestrator.EventEnd.String())
	require.Equal(t, "task_error", orchestrator.EventError.String())
}
