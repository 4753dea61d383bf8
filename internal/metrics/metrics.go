package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CZERTAINLY/gulp/internal/orchestrator"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics exports task events as Prometheus metrics.
type Metrics struct {
	registry    *prometheus.Registry
	invocations *prometheus.CounterVec
	running     *prometheus.GaugeVec
	duration    *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gulp",
			Subsystem: "task",
			Name:      "invocations_total",
			Help:      "Finished task invocations by outcome.",
		}, []string{"task", "outcome"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gulp",
			Subsystem: "task",
			Name:      "running",
			Help:      "Task invocations in progress.",
		}, []string{"task"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gulp",
			Subsystem: "task",
			Name:      "duration_seconds",
			Help:      "Duration of finished task invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"task"}),
	}
	m.registry.MustRegister(
		m.invocations,
		m.running,
		m.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the collectors, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Attach subscribes m to every event of o. The returned func unsubscribes.
func (m *Metrics) Attach(o *orchestrator.Orchestrator) func() {
	return o.OnAll(m.Handle)
}

func (m *Metrics) Handle(e orchestrator.Event) {
	switch e.Kind {
	case orchestrator.EventStart:
		m.running.WithLabelValues(e.Name).Inc()
		return
	case orchestrator.EventEnd:
		m.invocations.WithLabelValues(e.Name, OutcomeSuccess).Inc()
	case orchestrator.EventError:
		m.invocations.WithLabelValues(e.Name, OutcomeFailure).Inc()
	default:
		return
	}
	m.running.WithLabelValues(e.Name).Dec()
	m.duration.WithLabelValues(e.Name).Observe(e.Duration.Seconds())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on ln until ctx is canceled.
func (m *Metrics) Serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()
	slog.InfoContext(ctx, "serving metrics", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		return fmt.Errorf("serving metrics: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down metrics server: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (m *Metrics) ListenAndServe(ctx context.Context, addr *net.TCPAddr) error {
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return m.Serve(ctx, ln)
}
