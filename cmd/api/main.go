package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"katasu/internal/cache"
	"katasu/internal/config"
	"katasu/internal/convert"
	"katasu/internal/database"
	"katasu/internal/handlers"
	"katasu/internal/jobs"
	"katasu/internal/log"
	"katasu/internal/metrics"
	"katasu/internal/queue"
	"katasu/internal/repository"
	"katasu/internal/server"
	"katasu/internal/service"
	"katasu/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := log.WithSentry(log.New(cfg.Environment), cfg.Sentry.DSN, cfg.Environment, "katasu-api")
	if err != nil {
		logger.Warn().Err(err).Msg("error reporting disabled")
	}
	defer sentry.Flush(2 * time.Second)

	ctx := context.Background()

	dbPool, err := database.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect postgres")
	}

	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect redis")
	}

	areas, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init object store")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	observer, err := metrics.NewPrometheusObserver("", registry)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to register metrics")
	}

	images := repository.NewImageRepository(dbPool)
	users := repository.NewUserRepository(dbPool)
	listings := cache.NewListingCache(redisClient, cfg.Cache.ListingTTL, logger)
	statuses := cache.NewStatusCache(cfg.Cache.StatusSize, cfg.Cache.StatusTTL, images)
	producer := queue.NewProducer(redisClient, cfg.Queue.Stream, cfg.Queue.MaxLen)

	uploads := service.NewUploadService(service.UploadDeps{
		Images:    images,
		Quotas:    users,
		Areas:     areas,
		Converter: convert.NewConverter(cfg.Convert),
		Queue:     producer,
		Listings:  listings,
		Limiter:   service.NewRateLimiter(cfg.Intake.RateLimitPerMinute, cfg.Intake.RateLimitBurst),
		Metrics:   observer,
	}, cfg.Intake, logger)
	editor := service.NewImageService(images, areas, listings, statuses, logger)
	reconciler := service.NewReconciler(images, areas, producer, cfg.Sweep, observer, logger)

	handlerSet := handlers.NewHandlerSet(handlers.Deps{
		Uploads:  uploads,
		Images:   editor,
		Requeue:  reconciler,
		Catalog:  images,
		Users:    users,
		Listings: listings,
		Statuses: statuses,
		Areas:    areas,
		Health: []handlers.HealthCheck{
			{Name: "database", Check: dbPool.Ping},
			{Name: "cache", Check: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
		},
		Gatherer: registry,
	}, cfg, logger)
	httpServer := server.NewHTTPServer(cfg, logger, handlerSet)

	scheduler := jobs.NewScheduler(reconciler, cfg.Sweep, logger)
	if err := scheduler.Start(); err != nil {
		logger.Error().Err(err).Msg("scheduler start failed")
	}

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdown(logger, httpServer, scheduler, dbPool, redisClient)
}

func waitForShutdown(logger zerolog.Logger, srv *server.HTTPServer, scheduler *jobs.Scheduler, db *pgxpool.Pool, redisClient *redis.Client) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	scheduler.Stop(shutdownCtx)

	db.Close()
	if err := redisClient.Close(); err != nil {
		logger.Error().Err(err).Msg("redis close error")
	}

	logger.Info().Msg("server exited cleanly")
}
