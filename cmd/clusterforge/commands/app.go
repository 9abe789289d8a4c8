package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/openfroyo/clusterforge/pkg/cache"
	"github.com/openfroyo/clusterforge/pkg/config"
	"github.com/openfroyo/clusterforge/pkg/engine"
	"github.com/openfroyo/clusterforge/pkg/engine/gke"
	"github.com/openfroyo/clusterforge/pkg/engine/jenkins"
	"github.com/openfroyo/clusterforge/pkg/engine/kubespray"
	"github.com/openfroyo/clusterforge/pkg/engine/manual"
	"github.com/openfroyo/clusterforge/pkg/lock"
	"github.com/openfroyo/clusterforge/pkg/models"
	"github.com/openfroyo/clusterforge/pkg/policy"
	"github.com/openfroyo/clusterforge/pkg/reconcile"
	"github.com/openfroyo/clusterforge/pkg/stores"
	"github.com/openfroyo/clusterforge/pkg/tasks"
	"github.com/openfroyo/clusterforge/pkg/telemetry"
	"github.com/rs/zerolog"
)

// app holds the process wide handles built from the configuration.
type app struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	kv       stores.KV
	cache    cache.Cache
	manager  *models.Manager
	registry *engine.Registry
	locks    *lock.Manager
	deps     engine.Deps
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, tel: tel, logger: tel.Logger.NewComponentLogger("clusterforge")}

	a.kv, err = openStore(ctx, cfg.Store)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	a.cache, err = openCache(ctx, cfg.Cache)
	if err != nil {
		_ = a.kv.Close()
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	a.registry = newRegistry()
	a.manager = models.NewManager(a.kv,
		models.WithPrefix(cfg.Store.Prefix),
		models.WithSecretKey([]byte(cfg.SecretKey)),
		models.WithEngineLookup(a.registry),
		models.WithLogger(a.logger),
	)
	a.deps = engine.Deps{
		Manager:    a.manager,
		Cache:      a.cache,
		Logger:     a.logger,
		HTTPClient: &http.Client{Timeout: cfg.HTTP.Timeout},
	}
	a.locks = lock.NewManager(a.cache, a.logger).WithMetrics(tel.Metrics)

	a.logger.Debug().
		Str("store", cfg.Store.Backend).
		Str("cache", cfg.Cache.Backend).
		Str("prefix", cfg.Store.Prefix).
		Msg("Initialized")
	return a, nil
}

// Close releases the store, the cache and the telemetry exporters.
func (a *app) Close(ctx context.Context) error {
	return errors.Join(a.cache.Close(), a.kv.Close(), a.tel.Shutdown(ctx))
}

func newRegistry() *engine.Registry {
	reg := engine.NewRegistry()
	reg.MustRegister(manual.Factory())
	reg.MustRegister(jenkins.Factory())
	reg.MustRegister(gke.Factory())
	reg.MustRegister(kubespray.Factory())
	return reg
}

func openStore(ctx context.Context, sc config.StoreConfig) (stores.KV, error) {
	switch sc.Backend {
	case "etcd":
		return stores.NewEtcdStore(stores.EtcdConfig{
			Endpoints:   sc.Etcd.Endpoints,
			Username:    sc.Etcd.Username,
			Password:    sc.Etcd.Password,
			DialTimeout: sc.Etcd.DialTimeout,
		})

	case "badger":
		if !sc.Badger.InMemory {
			if err := os.MkdirAll(sc.Badger.Path, 0o700); err != nil {
				return nil, fmt.Errorf("failed to create directory %s: %w", sc.Badger.Path, err)
			}
		}
		return stores.NewBadgerStore(stores.BadgerConfig{Path: sc.Badger.Path, InMemory: sc.Badger.InMemory})

	case "sqlite":
		if sc.SQLite.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(sc.SQLite.Path), 0o700); err != nil {
				return nil, fmt.Errorf("failed to create directory for %s: %w", sc.SQLite.Path, err)
			}
		}
		store, err := stores.NewSQLiteStore(stores.SQLiteConfig{Path: sc.SQLite.Path})
		if err != nil {
			return nil, err
		}
		if err := store.Init(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize store: %w", err)
		}
		return store, nil
	}
	return nil, fmt.Errorf("unsupported store backend %q", sc.Backend)
}

func openCache(ctx context.Context, cc config.CacheConfig) (cache.Cache, error) {
	switch cc.Backend {
	case "redis":
		return cache.NewRedisCache(ctx, cache.RedisConfig{
			Addr:          cc.Redis.Addr,
			Password:      cc.Redis.Password,
			DB:            cc.Redis.DB,
			MasterName:    cc.Redis.MasterName,
			SentinelAddrs: cc.Redis.SentinelAddrs,
			KeyPrefix:     cc.Redis.KeyPrefix,
		})
	case "memory":
		return cache.NewMemoryCache(cc.CleanupInterval), nil
	}
	return nil, fmt.Errorf("unsupported cache backend %q", cc.Backend)
}

func (a *app) reconcileConfig() reconcile.Config {
	rc := a.cfg.Reconcile
	return reconcile.Config{
		DefaultNamespace: rc.DefaultNamespace,
		Concurrency:      rc.Concurrency,
		TaskTimeout:      rc.TaskTimeout,
		LockTTL:          rc.LockTTL,
		CacheTTL:         rc.CacheTTL,
		ProvisionTimeout: rc.ProvisionTimeout,
	}
}

func (a *app) reconciler() *reconcile.Reconciler {
	return reconcile.New(a.deps, a.registry, a.locks, a.reconcileConfig()).WithRecorder(a.tel.Metrics)
}

// pool builds the local worker pool executing jobs with rec.
func (a *app) pool(rec *reconcile.Reconciler) *tasks.Pool {
	w := a.cfg.Workers
	return tasks.NewPool(rec, tasks.PoolConfig{
		Workers:     w.Count,
		QueueSize:   w.QueueSize,
		JobTimeout:  a.cfg.Reconcile.TaskTimeout,
		MaxRetries:  w.MaxRetries,
		BaseBackoff: w.BaseBackoff,
	}, a.logger).WithRecorder(a.tel.Metrics)
}

// policies builds the authorization engine and loads the configured rule
// directory.
func (a *app) policies(ctx context.Context) (*policy.Engine, *policy.Loader, error) {
	pe, err := policy.NewEngine(ctx, a.logger, nil)
	if err != nil {
		return nil, nil, err
	}
	if a.cfg.Policy.Dir == "" {
		return pe, nil, nil
	}
	loader := policy.NewLoader(a.cfg.Policy.Dir, a.logger)
	if err := loader.LoadInto(ctx, pe); err != nil {
		return nil, nil, err
	}
	return pe, loader, nil
}

// countClusters publishes the number of clusters per state.
func (a *app) countClusters(ctx context.Context, namespaces []string) error {
	counts := make(map[string]int)
	for _, ns := range namespaces {
		clusters, err := a.manager.ListClusters(ctx, ns)
		if err != nil {
			return err
		}
		for _, c := range clusters {
			counts[string(c.State())]++
		}
	}
	a.tel.Metrics.SetClusterCounts(counts)
	return nil
}

// withApp runs fn with an app built from the loaded configuration.
func withApp(ctx context.Context, fn func(a *app) error) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn().Err(err).Msg("Shutdown incomplete")
		}
	}()
	return fn(a)
}
