/**
 * @description
 * This is the main entry point for the netting-service. It wires the store, the rate
 * oracle, the transfer, matching, lifecycle and settlement components, the cron-driven
 * matching scheduler, the RabbitMQ event plumbing and the HTTP API, then runs until a
 * termination signal arrives.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - github.com/jackc/pgx/v5: PostgreSQL connection pool.
 * - github.com/redis/go-redis/v9: Cross-instance tick lock.
 * - github.com/prometheus/client_golang: Tick and HTTP metrics served on /metrics.
 */
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/transfa/netting-service/internal/api"
	"github.com/transfa/netting-service/internal/app"
	"github.com/transfa/netting-service/internal/config"
	"github.com/transfa/netting-service/internal/domain"
	"github.com/transfa/netting-service/internal/store"
	"github.com/transfa/netting-service/pkg/rabbitmq"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file found, relying on environment")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var (
		repository store.Repository
		dbpool     *pgxpool.Pool
	)
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		logger.Warn("using in-memory store; data is lost on restart")
		repository = store.NewMemoryRepository()
	default:
		dbpool, err = openPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("unable to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbpool.Close()
		logger.Info("database connection established")

		if cfg.RunMigrations {
			applied, err := store.RunMigrations(ctx, dbpool)
			if err != nil {
				logger.Error("failed to apply migrations", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations applied", "count", len(applied))
		}
		repository = store.NewPostgresRepository(dbpool)
	}

	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	if cfg.RabbitMQURL != "" {
		if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger); err == nil {
			publisher = producer
			defer producer.Close()
		} else {
			logger.Warn("failed to connect to RabbitMQ, using fallback publisher", "error", err)
		}
	}

	tickLock, closeLock := newTickLock(ctx, cfg, dbpool, logger)
	defer closeLock()

	oracle := app.NewRateOracle(repository, logger)
	transfers := app.NewTransferService(repository, oracle, publisher, logger, cfg)
	matcher := app.NewMatcher(repository, publisher, logger, cfg)
	settlement := app.NewSettlementExecutor(repository, publisher, logger, cfg)
	lifecycle := app.NewMatchLifecycle(repository, settlement, publisher, logger, cfg)
	scheduler := app.NewScheduler(matcher, tickLock, logger, cfg)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	scheduler.SetMetrics(app.NewTickMetrics(registry))

	if cfg.RabbitMQURL != "" {
		startTransferConsumer(cfg, matcher, logger)
	}

	if err := scheduler.Start(); err != nil {
		logger.Error("failed to start matching scheduler", "error", err)
		os.Exit(1)
	}
	logger.Info("matching scheduler started", "interval", cfg.MatchInterval().String(), "tick_lock", cfg.TickLockDriver)

	var auth *api.JWKSAuthenticator
	if cfg.JWKSURL != "" {
		auth = api.NewJWKSAuthenticator(cfg.JWKSURL, cfg.JWTAudience, cfg.JWTIssuer)
	} else {
		logger.Warn("JWKS_URL not set; user routes trust the user_id in request bodies")
	}
	if cfg.InternalAPIKey == "" {
		logger.Warn("INTERNAL_API_KEY not set; operator routes are unprotected")
	}

	handler := api.NewHandler(transfers, lifecycle, settlement, oracle, scheduler, logger)
	router := api.NewRouter(handler, api.RouterOptions{
		Auth:           auth,
		InternalAPIKey: cfg.InternalAPIKey,
		AllowedOrigins: cfg.AllowedOrigins(),
		Registry:       registry,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	logger.Info("shutdown signal received, gracefully shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	// Wait for an in-flight tick before the pool and broker connections close.
	<-scheduler.Stop().Done()
	logger.Info("matching scheduler stopped")
	logger.Info("server stopped")
}

func openPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pgConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	pgConfig.MaxConns = 50
	pgConfig.MinConns = 5
	pgConfig.MaxConnLifetime = 30 * time.Minute
	pgConfig.MaxConnIdleTime = 5 * time.Minute
	pgConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// newTickLock picks the cross-instance lock. Failing to reach Redis degrades to no lock
// rather than stopping the service, so a single instance keeps matching.
func newTickLock(ctx context.Context, cfg config.Config, dbpool *pgxpool.Pool, logger *slog.Logger) (app.TickLock, func()) {
	noop := func() {}
	switch cfg.TickLockDriver {
	case config.TickLockPostgres:
		return app.NewPostgresTickLock(dbpool, cfg.TickLockKey, logger), noop
	case config.TickLockRedis:
		options, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Warn("redis url parse failed; tick lock disabled", "error", err)
			return app.NoopTickLock{}, noop
		}
		client := redis.NewClient(options)
		pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
		defer cancelPing()
		if err := client.Ping(pingCtx).Err(); err != nil {
			logger.Warn("redis ping failed; tick lock disabled", "error", err)
			client.Close()
			return app.NoopTickLock{}, noop
		}
		logger.Info("redis connected")
		return app.NewRedisTickLock(client, cfg.TickLockKey, cfg.TickLockTTL(), logger), func() { client.Close() }
	}
	return app.NoopTickLock{}, noop
}

// startTransferConsumer rescans new requests as soon as they are announced. The polling
// tick still covers anything this consumer misses.
func startTransferConsumer(cfg config.Config, matcher *app.Matcher, logger *slog.Logger) {
	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("failed to create transfer event consumer; relying on the polling tick", "error", err)
		return
	}
	go func() {
		defer consumer.Close()
		bindings := map[string]rabbitmq.Handler{
			domain.EventTransferCreated: matcher.HandleTransferCreated,
		}
		if err := consumer.ConsumeWithBindings(cfg.EventsExchange, cfg.TransferEventQueue, bindings); err != nil {
			logger.Error("transfer event consumer stopped", "error", err)
		}
	}()
	logger.Info("transfer event consumer started", "queue", cfg.TransferEventQueue)
}
