package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"katasu/internal/cache"
	"katasu/internal/config"
	"katasu/internal/convert"
	"katasu/internal/database"
	"katasu/internal/log"
	"katasu/internal/metrics"
	"katasu/internal/moderation"
	"katasu/internal/queue"
	"katasu/internal/repository"
	"katasu/internal/server"
	"katasu/internal/storage"
	"katasu/internal/tasks"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadWorker()
	if err != nil {
		panic(err)
	}

	logger, err := log.WithSentry(log.NewWithLevel(cfg.Environment, cfg.Logging.Level), cfg.Sentry.DSN, cfg.Environment, "katasu-worker")
	if err != nil {
		logger.Warn().Err(err).Msg("error reporting disabled")
	}
	defer sentry.Flush(2 * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The api owns the schema.
	cfg.Postgres.Migrate = false
	dbPool, err := database.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect postgres")
	}
	defer dbPool.Close()

	client, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer client.Close()

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

	processor := tasks.NewProcessor(tasks.Deps{
		Images:      repository.NewImageRepository(dbPool),
		Areas:       areas,
		Thumbnails:  convert.NewConverter(cfg.Convert),
		Gate:        moderation.NewGate(cfg.Moderation, nil, logger),
		DeadLetters: queue.NewDeadLetters(client, cfg.Queue.DeadLetter),
		Listings:    cache.NewListingCache(client, cfg.Cache.ListingTTL, logger),
		Metrics:     observer,
	}, cfg.Queue.MaxAttempts, cfg.Worker.CallTimeout, logger)

	consumer := queue.NewConsumer(client, cfg.Queue, logger, processor)

	metricsServer := server.NewMetricsServer(cfg, registry, logger)
	go func() {
		if err := metricsServer.Start(); err != nil {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("consumer stopped unexpectedly")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("consumer did not drain before shutdown deadline")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown failed")
	}
}
