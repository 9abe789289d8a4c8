// Package telemetry sets up logging, tracing and metrics.
//
// Logging uses zerolog. Components receive a zerolog.Logger derived with
// NewComponentLogger and never touch the global logger.
//
// Tracing uses OpenTelemetry. NewTracer installs the provider globally and
// packages start their spans with otel.Tracer, marking the outcome with
// RecordError or RecordSuccess. Exporters are otlp (gRPC), stdout and none.
//
// Metrics are Prometheus collectors on a private registry, exposed by
// Serve. Metrics implements the recorder interfaces of the lock, tasks and
// reconcile packages:
//
//	locks := lock.NewManager(c, logger).WithMetrics(tel.Metrics)
//	pool := tasks.NewPool(rec, cfg, logger).WithRecorder(tel.Metrics)
//	rec := reconcile.New(deps, registry, locks, rcfg).WithRecorder(tel.Metrics)
package telemetry
