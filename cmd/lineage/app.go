package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/lineage-go/internal/config"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/dataflow"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/driver"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/events"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/materializer"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/scheduler"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/sqlstore"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/tracing"
	"github.com/flexinfer/mentatlab/services/lineage-go/internal/validator"
)

// app is the wired service: stores, backends, event bus and scheduler.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store     runstore.Store
	artifacts *dataflow.Store
	bus       events.Bus
	backend   *driver.Router
	sched     *scheduler.Scheduler
	validator *validator.Validator
	tracing   *tracing.Provider

	redis   *redis.Client
	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if a.tracing, err = tracing.Init(ctx, cfg.TracingOptions(version), logger); err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	if a.validator, err = validator.New(); err != nil {
		return nil, fmt.Errorf("create validator: %w", err)
	}
	if err = a.openStore(ctx); err != nil {
		return nil, err
	}
	if a.artifacts, err = dataflow.New(ctx, cfg.ArtifactOptions()); err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	if err = a.openBus(); err != nil {
		return nil, err
	}
	if err = a.buildBackends(ctx); err != nil {
		return nil, err
	}

	var publisher events.Publisher = a.bus
	if cfg.Log.Level == "debug" {
		publisher = events.Multi(a.bus, events.NewLogPublisher(logger))
	}
	a.sched = scheduler.New(a.store, a.backend, a.artifacts, publisher, cfg.SchedulerOptions(), logger)

	logger.Info("lineage initialized",
		slog.String("store", cfg.Store.Type),
		slog.String("events", cfg.EventsType()),
		slog.String("artifact_store", a.artifacts.Identity()),
		slog.Any("backends", a.backend.Backends()),
		slog.String("default_backend", cfg.Backends.Default),
		slog.Int("max_parallelism", cfg.Scheduler.MaxParallelism),
		slog.String("cache_scope", cfg.Scheduler.CacheScope),
	)
	return a, nil
}

func (a *app) redisClient() (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	client, err := runstore.NewRedisClient(a.cfg.RedisOptions())
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.redis = client
	a.closers = append(a.closers, client.Close)
	return client, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store.Type {
	case "redis":
		client, err := a.redisClient()
		if err != nil {
			return err
		}
		// The store shares the client; closing the client closes the store.
		a.store = runstore.NewRedisStoreFromClient(client, a.cfg.Redis.Prefix)
	case "postgres", "sqlite":
		s, err := sqlstore.OpenStore(ctx, a.cfg.SQLOptions())
		if err != nil {
			return fmt.Errorf("open %s store: %w", a.cfg.Store.Type, err)
		}
		a.store = s
		a.closers = append(a.closers, s.Close)
	default:
		s := runstore.NewMemoryStore()
		a.store = s
		a.closers = append(a.closers, s.Close)
	}
	return nil
}

func (a *app) openBus() error {
	if a.cfg.EventsType() != "redis" {
		a.bus = events.NewMemoryBus(int(a.cfg.Events.MaxLen))
		return nil
	}
	client, err := a.redisClient()
	if err != nil {
		return err
	}
	a.bus = events.NewRedisBus(client, a.cfg.EventBusOptions(), a.logger)
	return nil
}

func (a *app) buildBackends(ctx context.Context) error {
	local := driver.NewFuncBackend(a.artifacts, materializer.Default(), a.logger)
	registerBuiltins(local)
	a.logger.Debug("local entrypoints registered", slog.Any("entrypoints", local.Entrypoints()))
	backends := []driver.Backend{local}

	if a.cfg.BackendEnabled("subprocess") {
		backends = append(backends, driver.NewSubprocessBackend(a.bus, &driver.SubprocessConfig{
			EnvPassthrough: map[string]string{
				"LINEAGE_ARTIFACT_ROOT": a.artifacts.Root(),
			},
		}, a.logger))
	}
	if a.cfg.BackendEnabled("docker") {
		b, err := driver.NewDockerBackend(a.bus, a.cfg.DockerOptions(), a.logger)
		if err != nil {
			return fmt.Errorf("create docker backend: %w", err)
		}
		backends = append(backends, b)
	}
	if a.cfg.BackendEnabled("k8s") {
		b, err := driver.NewK8sBackend(a.bus, a.cfg.K8sOptions(), a.logger)
		if err != nil {
			return fmt.Errorf("create k8s backend: %w", err)
		}
		if err := b.HealthCheck(ctx); err != nil {
			a.logger.Warn("kubernetes API unreachable; k8s steps will fail until it recovers", slog.Any("error", err))
		}
		backends = append(backends, b)
	}

	router, err := driver.NewRouter(a.cfg.Backends.Default, backends...)
	if err != nil {
		return err
	}
	a.backend = router
	return nil
}

// close stops active runs and releases connections in reverse order.
func (a *app) close(ctx context.Context) {
	if a.sched != nil {
		if err := a.sched.Shutdown(ctx); err != nil {
			a.logger.Warn("scheduler shutdown incomplete", slog.Any("error", err))
		}
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	if a.tracing != nil {
		errs = append(errs, a.tracing.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown errors", slog.Any("error", err))
	}
}
