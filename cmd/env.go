package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ecotiles/tileserv/internal/backend"
	"github.com/ecotiles/tileserv/internal/cache"
	"github.com/ecotiles/tileserv/internal/catalog"
	"github.com/ecotiles/tileserv/internal/cleanup"
	"github.com/ecotiles/tileserv/internal/monitoring"
	"github.com/ecotiles/tileserv/internal/pipeline"
	"github.com/ecotiles/tileserv/internal/vis"
	"github.com/ecotiles/tileserv/internal/warming"
	"github.com/ecotiles/tileserv/internal/worker"
)

// env holds everything a command wires up: stores, caches, the backend
// client, the pipeline and the task runtime. Callers defer env.Close().
type env struct {
	Store     catalog.Store
	L2        cache.L2
	L3        cache.L3
	Cache     *cache.Hybrid
	Locker    *cache.Locker
	Backend   *backend.Client
	Registry  *vis.Registry
	Pipeline  *pipeline.Pipeline
	Warmer    *warming.Warmer
	Janitor   *cleanup.Janitor
	Runner    *worker.Runner
	Checker   *monitoring.Checker
	Metrics   *monitoring.Metrics
	Collector *monitoring.Collector
}

// Close releases resources held by the environment.
func (e *env) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the catalog store named by catalog.driver.
func initStore(ctx context.Context) (catalog.Store, error) {
	switch cfg.Catalog.Driver {
	case "postgres":
		return catalog.NewPostgres(ctx, cfg.Catalog.DatabaseURL, nil)
	case "sqlite":
		return catalog.NewSQLite(cfg.Catalog.DatabaseURL)
	default:
		return nil, eris.Errorf("unknown catalog driver %q", cfg.Catalog.Driver)
	}
}

// initEnv validates config for the given mode and builds the full
// environment: catalog store (migrated), three cache tiers, imagery
// backend, pipeline, warmer, janitor, task runner with every task
// registered, and the monitoring set.
func initEnv(ctx context.Context, mode string) (*env, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, configError{err}
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate catalog")
	}

	l2, err := cache.NewRedisL2(cfg.Redis.URL)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	l3, err := cache.NewMinioL3(cfg.Storage)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	hybrid := cache.NewHybrid(cache.NewL1(cfg.Cache.L1Max, cfg.Cache.L1MaxAge), l2, l3, cfg.Cache)
	locker := cache.NewLocker(l2, cfg.Cache.LockTTL)

	be := backend.New(cfg.Backend)

	reg := vis.NewRegistry()
	if cfg.Vis.File != "" {
		if err := reg.LoadFile(cfg.Vis.File); err != nil {
			_ = st.Close()
			return nil, err
		}
		zap.L().Info("loaded visualization parameters", zap.String("file", cfg.Vis.File))
	}

	pipe := pipeline.New(hybrid, locker, be, reg, cfg.Backend, cfg.Cache)

	limiter := warming.NewAdaptiveLimiter(cfg.Warming)
	warmer := warming.New(pipe, hybrid, locker, be, st, reg, limiter, cfg.Warming, cfg.Backend, cfg.Cache)
	janitor := cleanup.NewJanitor(l2, l3)

	metrics := monitoring.NewMetrics()
	checker := monitoring.NewChecker()
	monitoring.RegisterDefaultChecks(checker, l2, l3, st, be.Breaker())
	collector := monitoring.NewCollector(st, hybrid, cfg.Monitoring)

	runner := worker.NewRunner(st, cfg.Worker, zap.L().Named("worker"))
	if _, err := warming.RegisterTasks(runner, warmer); err != nil {
		_ = st.Close()
		return nil, err
	}
	if _, err := cleanup.RegisterTasks(runner, janitor, st); err != nil {
		_ = st.Close()
		return nil, err
	}
	if _, err := monitoring.RegisterTasks(runner, checker, collector, metrics, cfg.Monitoring); err != nil {
		_ = st.Close()
		return nil, err
	}

	return &env{
		Store:     st,
		L2:        l2,
		L3:        l3,
		Cache:     hybrid,
		Locker:    locker,
		Backend:   be,
		Registry:  reg,
		Pipeline:  pipe,
		Warmer:    warmer,
		Janitor:   janitor,
		Runner:    runner,
		Checker:   checker,
		Metrics:   metrics,
		Collector: collector,
	}, nil
}
