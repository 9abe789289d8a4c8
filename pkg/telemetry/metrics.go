package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openfroyo/clusterforge/pkg/engine"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides the Prometheus metrics of the process. A disabled
// Metrics accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Reconciliation
	reconcileTotal    *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec
	lockContention    *prometheus.CounterVec

	// Task dispatch
	tasksTotal   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	// Backends
	engineErrors *prometheus.CounterVec
	clusters     *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		reconcileTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_tasks_total",
				Help:      "Reconciliation sub-tasks by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		reconcileDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_task_duration_seconds",
				Help:      "Duration of reconciliation sub-tasks in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		lockContention: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_contention_total",
				Help:      "Lock acquisitions that found the lock already held",
			},
			[]string{"lock"},
		),

		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Dispatched jobs by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Duration of dispatched jobs in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),

		engineErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engine_errors_total",
				Help:      "Backend failures by engine, class and code",
			},
			[]string{"engine", "class", "code"},
		),
		clusters: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "clusters",
				Help:      "Clusters by state",
			},
			[]string{"state"},
		),
	}

	registry.MustRegister(
		m.reconcileTotal,
		m.reconcileDuration,
		m.lockContention,
		m.tasksTotal,
		m.taskDuration,
		m.engineErrors,
		m.clusters,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

// RecordReconcile records a reconciliation sub-task.
func (m *Metrics) RecordReconcile(kind, outcome string, duration time.Duration) {
	if m.reconcileTotal == nil {
		return
	}
	m.reconcileTotal.WithLabelValues(kind, outcome).Inc()
	m.reconcileDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordLockContention records a lock found held. The label is the key
// without its trailing cluster id, so cardinality stays bounded.
func (m *Metrics) RecordLockContention(key string) {
	if m.lockContention == nil {
		return
	}
	m.lockContention.WithLabelValues(lockName(key)).Inc()
}

// RecordTask records a dispatched job.
func (m *Metrics) RecordTask(kind, outcome string, duration time.Duration) {
	if m.tasksTotal == nil {
		return
	}
	m.tasksTotal.WithLabelValues(kind, outcome).Inc()
	if duration > 0 {
		m.taskDuration.WithLabelValues(kind).Observe(duration.Seconds())
	}
}

// RecordEngineError classifies err and counts it.
func (m *Metrics) RecordEngineError(err error) {
	if m.engineErrors == nil || err == nil {
		return
	}

	var be *engine.BackendError
	name, code := "", ""
	if errors.As(err, &be) {
		name, code = be.Engine, be.Code
	} else if errors.Is(err, context.DeadlineExceeded) {
		code = engine.ErrCodeTimeout
	}
	m.engineErrors.WithLabelValues(name, string(engine.Classify(err)), code).Inc()
}

// SetClusterCounts replaces the per state cluster gauge.
func (m *Metrics) SetClusterCounts(counts map[string]int) {
	if m.clusters == nil {
		return
	}
	m.clusters.Reset()
	for state, n := range counts {
		m.clusters.WithLabelValues(state).Set(float64(n))
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is done.
func (m *Metrics) Serve(ctx context.Context, logger zerolog.Logger) error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Str("path", path).Msg("Serving metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// lockName strips the trailing id from keys like
// "task-cluster-status-<id>-lock".
func lockName(key string) string {
	key = strings.TrimSuffix(key, "-lock")
	// ids are UUIDs, five dash separated groups
	parts := strings.Split(key, "-")
	if len(parts) > 5 {
		parts = parts[:len(parts)-5]
	}
	return strings.Join(parts, "-")
}
