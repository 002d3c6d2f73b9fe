package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/stagetrack/internal/audit"
	"github.com/pitabwire/stagetrack/internal/capability"
	"github.com/pitabwire/stagetrack/internal/config"
	"github.com/pitabwire/stagetrack/internal/events"
	"github.com/pitabwire/stagetrack/internal/idempotency"
	"github.com/pitabwire/stagetrack/internal/observability"
	"github.com/pitabwire/stagetrack/internal/openapi"
	"github.com/pitabwire/stagetrack/internal/transport"
	"github.com/pitabwire/stagetrack/internal/workflow"
	"github.com/pitabwire/stagetrack/internal/workflow/migrations"
)

// serve wires all dependencies together and runs the HTTP server until a
// termination signal arrives.
func serve(parent context.Context, configPath string) error {
	// Step 1: Load configuration.
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Step 2: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger error: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "stagetrack", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return err
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 3: Load the embedded API document.
	doc, err := openapi.Load(ctx)
	if err != nil {
		logger.Error("OpenAPI document load failed", zap.Error(err))
		return err
	}

	// Step 4: Initialize the workflow store.
	store, storeCheck, storeCloser, err := buildWorkflowStore(ctx, cfg.Workflow.Store, logger)
	if err != nil {
		logger.Error("workflow store initialization failed", zap.Error(err))
		return err
	}
	defer storeCloser()

	graphs := workflow.NewGraphCache(store, cfg.Workflow.GraphCacheTTL)
	defer graphs.Close()
	metrics.RegisterGraphCache(graphs.Metrics)

	// Step 5: Initialize capability evaluation.
	evaluator, err := buildPolicyEvaluator(cfg.Capability)
	if err != nil {
		logger.Error("capability policy initialization failed", zap.Error(err))
		return err
	}
	resolver := capability.NewResolver(evaluator, cfg.Capability.Cache.TTL, cfg.Capability.Cache.MaxEntries).
		WithRecorder(metrics)
	gate := capability.NewGate(evaluator, resolver)
	go reloadPolicyOnHangup(ctx, evaluator, resolver, logger)

	// Step 6: Initialize the event publisher (optional).
	execOpts := []workflow.ExecutorOption{
		workflow.WithLogger(logger),
		workflow.WithRecorder(metrics),
		workflow.WithItemTimeout(cfg.Workflow.ItemTimeout),
	}
	var (
		publisher *events.KafkaPublisher
		breaker   *events.Breaker
	)
	if cfg.Events.Enabled {
		publisher, err = events.NewKafkaPublisher(events.KafkaConfig{
			Brokers:      cfg.Events.Brokers,
			Topic:        cfg.Events.Topic,
			BatchTimeout: cfg.Events.BatchTimeout,
			WriteTimeout: cfg.Events.WriteTimeout,
		})
		if err != nil {
			logger.Error("event publisher initialization failed", zap.Error(err))
			return err
		}
		breaker = events.NewBreaker(publisher, events.BreakerConfig{
			FailureThreshold: cfg.Events.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Events.Breaker.SuccessThreshold,
			OpenTimeout:      cfg.Events.Breaker.OpenTimeout,
		})
		execOpts = append(execOpts, workflow.WithPublisher(breaker))
		logger.Info("publishing item events", zap.Strings("brokers", cfg.Events.Brokers), zap.String("topic", cfg.Events.Topic))
	}

	executor := workflow.NewExecutor(store, gate, execOpts...)
	insights := workflow.NewInsights(store, graphs)

	// Step 7: Initialize the idempotency store (optional).
	idemStore, idemCloser, err := buildIdempotencyStore(ctx, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return err
	}
	defer idemCloser()

	// Step 8: Schedule the ledger audit (optional).
	var sweeper *audit.Sweeper
	if cfg.Audit.Enabled {
		sweeper, err = audit.NewSweeper(store, cfg.Audit.Schedule,
			audit.WithLogger(logger),
			audit.WithRecorder(metrics),
		)
		if err != nil {
			logger.Error("audit sweep initialization failed", zap.Error(err))
			return err
		}
		if err := sweeper.Start(); err != nil {
			return err
		}
	}

	// Step 9: Build HTTP router.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)

	readiness := observability.ReadinessChecks{
		OpenAPILoaded: func() bool { return len(doc.OperationIDs()) > 0 },
		WorkflowStore: storeCheck,
	}
	if idemStore != nil {
		readiness.IdempotencyStore = idemStore
	}
	if breaker != nil {
		readiness.EventPublisher = breaker
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Logger:             logger,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, jwks),
		CapabilityResolver: resolver,
		Executor:           executor,
		Insights:           insights,
		OpenAPI:            doc,
		Idempotency:        idemStore,
		Metrics:            metrics,
		Readiness:          readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 10: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Workflow.Store.Driver),
		zap.String("api_version", doc.Version()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return err
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if sweeper != nil {
		sweeper.Stop(shutdownCtx)
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("event publisher shutdown error", zap.Error(err))
		}
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// buildWorkflowStore opens the store selected by cfg.Driver. The returned
// checker is nil for the memory store.
func buildWorkflowStore(ctx context.Context, cfg config.WorkflowStoreConfig, logger *zap.Logger) (workflow.Store, observability.HealthChecker, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("using in-memory workflow store, data is lost on restart")
		return workflow.NewMemoryStore(), nil, func() {}, nil
	case "sqlite":
		store, err := workflow.OpenSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("workflow store: %w", err)
		}
		logger.Info("using sqlite workflow store", zap.String("path", cfg.SQLitePath))
		closer := func() {
			if err := store.Close(); err != nil {
				logger.Error("closing sqlite store failed", zap.Error(err))
			}
		}
		return store, observability.CheckFunc(store.Ping), closer, nil
	case "postgres", "":
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		if cfg.AutoMigrate {
			if err := migrations.RunMigrationsUp(ctx, pool, logger); err != nil {
				pool.Close()
				return nil, nil, nil, fmt.Errorf("workflow store: %w", err)
			}
		}
		store := workflow.NewPgStore(pool)
		return store, observability.CheckFunc(store.Ping), pool.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported workflow store driver: %q", cfg.Driver)
	}
}

// openPool connects to the Postgres database named by cfg.DSNEnv.
func openPool(ctx context.Context, cfg config.WorkflowStoreConfig) (*pgxpool.Pool, error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("workflow store: %s environment variable not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("workflow store: parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	}
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("workflow store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("workflow store: ping: %w", err)
	}
	return pool, nil
}

// buildPolicyEvaluator loads the static role policy, falling back to the
// built-in Owner/Worker policy when no file is configured.
func buildPolicyEvaluator(cfg config.CapabilityConfig) (*capability.StaticPolicyEvaluator, error) {
	if cfg.StaticPolicyFile == "" {
		return capability.NewDefaultPolicyEvaluator(), nil
	}
	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.StaticPolicyFile)
	if err != nil {
		return nil, fmt.Errorf("static policy: %w", err)
	}
	return evaluator, nil
}

// buildIdempotencyStore creates the idempotency store based on config. It
// returns a nil store when idempotency is disabled.
func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func(), error) {
	if !cfg.Enabled {
		return nil, func() {}, nil
	}

	switch cfg.Store.Driver {
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		store := idempotency.NewRedisStore(client)
		if err := store.HealthCheck(ctx); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("idempotency store: %w", err)
		}
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		closer := func() {
			if err := store.Close(); err != nil {
				logger.Error("closing redis client failed", zap.Error(err))
			}
		}
		return store, closer, nil
	default:
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), func() {}, nil
	}
}

// reloadPolicyOnHangup rereads the role policy on SIGHUP and drops cached
// capability sets so new grants apply to the next request.
func reloadPolicyOnHangup(ctx context.Context, evaluator *capability.StaticPolicyEvaluator, resolver *capability.Resolver, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := evaluator.Reload(); err != nil {
				logger.Error("role policy reload failed, keeping current policy", zap.Error(err))
				continue
			}
			resolver.InvalidateAll()
			logger.Info("role policy reloaded", zap.Strings("roles", evaluator.Roles()))
		}
	}
}
