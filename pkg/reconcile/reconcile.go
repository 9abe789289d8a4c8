// Package reconcile keeps the cached view of every cluster fresh. A
// reconcile pass walks all namespaces and dispatches two jobs per cluster:
// one reads the Kubernetes API, the other asks the provisioning backend.
// Both run under a per-cluster lock so concurrent passes never duplicate
// work.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/openfroyo/clusterforge/pkg/cache"
	"github.com/openfroyo/clusterforge/pkg/engine"
	"github.com/openfroyo/clusterforge/pkg/kube"
	"github.com/openfroyo/clusterforge/pkg/lock"
	"github.com/openfroyo/clusterforge/pkg/models"
	"github.com/openfroyo/clusterforge/pkg/tasks"
	"github.com/openfroyo/clusterforge/pkg/telemetry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/openfroyo/clusterforge/pkg/reconcile"

// Outcomes passed to Recorder.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Config tunes reconciliation.
type Config struct {
	// DefaultNamespace is always reconciled, even without an organization.
	DefaultNamespace string

	// Concurrency bounds the namespaces processed at once.
	Concurrency int

	// TaskTimeout bounds one sub-task.
	TaskTimeout time.Duration

	// LockTTL expires locks of crashed workers.
	LockTTL time.Duration

	// CacheTTL is the lifetime of a refreshed entry.
	CacheTTL time.Duration

	// ProvisionTimeout moves clusters stuck in Deploying to Error.
	ProvisionTimeout time.Duration
}

// DefaultConfig returns the standard timings.
func DefaultConfig() Config {
	return Config{
		DefaultNamespace: "default",
		Concurrency:      4,
		TaskTimeout:      30 * time.Second,
		LockTTL:          60 * time.Second,
		CacheTTL:         30 * time.Second,
		ProvisionTimeout: engine.DefaultProvisionTimeout,
	}
}

// StatusReader produces the Kubernetes view of a cluster.
type StatusReader interface {
	Status(ctx context.Context) (*kube.Status, error)
}

// KubeFactory builds a StatusReader from a stored kubeconfig.
type KubeFactory func(kubeconfig map[string]any) (StatusReader, error)

// DefaultKubeFactory connects with client-go.
func DefaultKubeFactory(kubeconfig map[string]any) (StatusReader, error) {
	return kube.FromKubeconfig(kubeconfig)
}

// Recorder receives sub-task outcomes. telemetry.Metrics implements it.
type Recorder interface {
	RecordReconcile(kind, outcome string, duration time.Duration)
}

// ErrorRecorder is optionally implemented by a Recorder to count failures
// by backend error class.
type ErrorRecorder interface {
	RecordEngineError(err error)
}

// BackendData is the cached result of a backend refresh.
type BackendData struct {
	Cluster  engine.ClusterInfo `json:"cluster"`
	Progress engine.Progress    `json:"progress"`
}

// Reconciler runs reconciliation passes and their sub-tasks.
type Reconciler struct {
	cfg        Config
	deps       engine.Deps
	registry   *engine.Registry
	locks      *lock.Manager
	dispatcher tasks.Dispatcher
	kube       KubeFactory
	recorder   Recorder
	logger     zerolog.Logger
}

// New creates a Reconciler. Jobs are dispatched through SetDispatcher.
func New(deps engine.Deps, registry *engine.Registry, locks *lock.Manager, cfg Config) *Reconciler {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = def.TaskTimeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.DefaultNamespace == "" {
		cfg.DefaultNamespace = def.DefaultNamespace
	}

	return &Reconciler{
		cfg:      cfg,
		deps:     deps,
		registry: registry,
		locks:    locks,
		kube:     DefaultKubeFactory,
		logger:   deps.Logger.With().Str("component", "reconcile").Logger(),
	}
}

// SetDispatcher sets where ReconcileAll sends sub-tasks. The dispatcher
// usually wraps this Reconciler, so it cannot be a constructor argument.
func (r *Reconciler) SetDispatcher(d tasks.Dispatcher) { r.dispatcher = d }

func (r *Reconciler) WithKubeFactory(f KubeFactory) *Reconciler {
	r.kube = f
	return r
}

func (r *Reconciler) WithRecorder(rec Recorder) *Reconciler {
	r.recorder = rec
	return r
}

// Cache keys
func StatusKey(clusterID string) string      { return "task-cluster-status-" + clusterID }
func BackendDataKey(clusterID string) string { return "task-cluster-backend-data-" + clusterID }
func lockKey(key string) string              { return key + "-lock" }

// Handle executes a dispatched job.
func (r *Reconciler) Handle(ctx context.Context, job tasks.Job) error {
	var err error
	switch job.Kind {
	case tasks.KindReconcileAll:
		return r.ReconcileAll(ctx)
	case tasks.KindClusterStatus:
		_, err = r.RefreshStatus(ctx, job.Namespace, job.ClusterID)
	case tasks.KindClusterBackendData:
		_, err = r.RefreshBackendData(ctx, job.Namespace, job.ClusterID)
	default:
		err = fmt.Errorf("%w: %s", tasks.ErrUnknownKind, job.Kind)
	}
	return err
}

// ReconcileAll dispatches both sub-tasks for every cluster of every
// namespace. A failing namespace does not stop the others; all failures
// are returned joined.
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	if r.dispatcher == nil {
		return errors.New("reconciler has no dispatcher")
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "reconcile.all")
	defer span.End()

	namespaces, err := r.Namespaces(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	span.SetAttributes(attribute.Int("namespaces", len(namespaces)))

	errs := make([]error, len(namespaces))
	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for i, ns := range namespaces {
		g.Go(func() error {
			errs[i] = r.reconcileNamespace(ctx, ns)
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.RecordSuccess(span)
	return nil
}

// namespaces returns the organization namespaces plus the default one,
// sorted and without duplicates.
// Namespaces returns the sorted namespaces a pass visits, the default one
// included.
func (r *Reconciler) Namespaces(ctx context.Context) ([]string, error) {
	list, err := r.deps.Manager.Namespaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}

	seen := map[string]bool{r.cfg.DefaultNamespace: true}
	out := []string{r.cfg.DefaultNamespace}
	for _, ns := range list {
		if !seen[ns] {
			seen[ns] = true
			out = append(out, ns)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *Reconciler) reconcileNamespace(ctx context.Context, ns string) error {
	clusters, err := r.deps.Manager.List(ctx, models.KindCluster, ns, false)
	if err != nil {
		return fmt.Errorf("failed to list clusters in %s: %w", ns, err)
	}

	ids := make([]string, 0, len(clusters))
	for id := range clusters {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		for _, kind := range []tasks.Kind{tasks.KindClusterStatus, tasks.KindClusterBackendData} {
			if err := r.dispatcher.Dispatch(ctx, tasks.NewJob(kind, ns, id)); err != nil {
				errs = append(errs, fmt.Errorf("failed to dispatch %s for %s/%s: %w", kind, ns, id, err))
			}
		}
	}

	r.logger.Debug().Str("namespace", ns).Int("clusters", len(ids)).Msg("Namespace reconciled")
	return errors.Join(errs...)
}

// RefreshStatus caches the Kubernetes status of a cluster. It reports
// false without doing anything when another worker holds the cluster's
// status lock. Any failure removes the cached entry.
func (r *Reconciler) RefreshStatus(ctx context.Context, ns, id string) (bool, error) {
	key := StatusKey(id)
	return r.unique(ctx, tasks.KindClusterStatus, key, ns, id, func(ctx context.Context) error {
		cluster, err := r.deps.Manager.LoadCluster(ctx, ns, id)
		if err != nil {
			return err
		}

		client, err := r.kube(cluster.Kubeconfig())
		if err != nil {
			return err
		}
		status, err := client.Status(ctx)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		return cache.SetJSON(ctx, r.deps.Cache, key, status, r.cfg.CacheTTL)
	})
}

// RefreshBackendData copies the backend state onto the stored cluster and
// caches the backend view with a progress estimate.
func (r *Reconciler) RefreshBackendData(ctx context.Context, ns, id string) (bool, error) {
	key := BackendDataKey(id)
	return r.unique(ctx, tasks.KindClusterBackendData, key, ns, id, func(ctx context.Context) error {
		cluster, err := r.deps.Manager.LoadCluster(ctx, ns, id)
		if err != nil {
			return err
		}

		eng, err := engine.ForCluster(r.registry, cluster, r.deps)
		if err != nil {
			return err
		}
		trace.SpanFromContext(ctx).SetAttributes(telemetry.AttrEngine.String(cluster.Provisioner().Engine()))

		info, err := engine.UpdateState(ctx, eng, cluster, r.deps.Manager, r.cfg.ProvisionTimeout)
		if err != nil {
			return err
		}
		data := BackendData{Cluster: info, Progress: eng.GetProgress(ctx)}
		if err := ctx.Err(); err != nil {
			return err
		}

		return cache.SetJSON(ctx, r.deps.Cache, key, data, r.cfg.CacheTTL)
	})
}

// unique runs fn under the lock of key with the task timeout, and removes
// the cached entry when fn fails.
func (r *Reconciler) unique(ctx context.Context, kind tasks.Kind, key, ns, id string, fn func(ctx context.Context) error) (bool, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "reconcile."+string(kind))
	defer span.End()
	span.SetAttributes(
		telemetry.AttrNamespace.String(ns),
		telemetry.AttrClusterID.String(id),
		telemetry.AttrTaskKind.String(string(kind)),
	)

	logger := r.logger.With().Str("task", string(kind)).Str("namespace", ns).Str("cluster", id).Logger()
	start := time.Now()

	ran, err := r.locks.RunUnique(ctx, lockKey(key), r.cfg.LockTTL, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, r.cfg.TaskTimeout)
		defer cancel()

		err := fn(ctx)
		if err != nil {
			r.invalidate(key, logger)
		}
		return err
	})

	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("Refresh failed")
		telemetry.RecordError(span, err)
		span.SetAttributes(telemetry.AttrErrorClass.String(string(engine.Classify(err))))
		r.record(kind, OutcomeFailed, time.Since(start))
		if er, ok := r.recorder.(ErrorRecorder); ok {
			er.RecordEngineError(err)
		}
		return ran, fmt.Errorf("failed to refresh %s of cluster %s: %w", kind, id, err)
	case !ran:
		r.record(kind, OutcomeSkipped, time.Since(start))
	default:
		logger.Debug().Dur("duration", time.Since(start)).Msg("Refreshed")
		telemetry.RecordSuccess(span)
		r.record(kind, OutcomeOK, time.Since(start))
	}
	return ran, nil
}

// invalidate deletes key with a fresh context, since the task's own
// context may have expired.
func (r *Reconciler) invalidate(key string, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.deps.Cache.Delete(ctx, key); err != nil {
		logger.Warn().Err(err).Str("key", key).Msg("Failed to invalidate cache entry")
	}
}

func (r *Reconciler) record(kind tasks.Kind, outcome string, d time.Duration) {
	if r.recorder != nil {
		r.recorder.RecordReconcile(string(kind), outcome, d)
	}
}

// CachedStatus returns the cached Kubernetes status, or false when there
// is none.
func (r *Reconciler) CachedStatus(ctx context.Context, clusterID string) (*kube.Status, bool, error) {
	var st kube.Status
	ok, err := r.cached(ctx, StatusKey(clusterID), &st)
	if !ok {
		return nil, false, err
	}
	return &st, true, nil
}

// CachedBackendData returns the cached backend view, or false when there
// is none.
func (r *Reconciler) CachedBackendData(ctx context.Context, clusterID string) (*BackendData, bool, error) {
	var data BackendData
	ok, err := r.cached(ctx, BackendDataKey(clusterID), &data)
	if !ok {
		return nil, false, err
	}
	return &data, true, nil
}

func (r *Reconciler) cached(ctx context.Context, key string, v any) (bool, error) {
	err := cache.GetJSON(ctx, r.deps.Cache, key, v)
	if errors.Is(err, cache.ErrMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
