package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/notifyq/notifyq/internal/config"
	"github.com/notifyq/notifyq/internal/domain"
	"github.com/notifyq/notifyq/internal/infra/postgresql"
	"github.com/notifyq/notifyq/internal/infra/postgresql/migrations"
	infraredis "github.com/notifyq/notifyq/internal/infra/redis"
	"github.com/notifyq/notifyq/internal/observability"
	"github.com/notifyq/notifyq/internal/provider"
	"github.com/notifyq/notifyq/internal/queue"
	"github.com/notifyq/notifyq/internal/repository"
	"github.com/notifyq/notifyq/internal/service"
)

const (
	consumerPrefetch = 8

	pruneInterval  = time.Hour
	pruneRetention = 24 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	rabbit, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer rabbit.Close()

	metrics := observability.NewMetrics()

	publisher, err := queue.NewRetryPublisher(queue.NewRabbitMQPublisher(rabbit), logger)
	if err != nil {
		logger.Fatal("publisher initialization failed", zap.Error(err))
	}
	publisher.SetMetrics(metrics)
	consumer := queue.NewRabbitMQConsumer(rabbit, consumerPrefetch, logger)

	providers, err := buildProviders(cfg)
	if err != nil {
		logger.Fatal("provider initialization failed", zap.Error(err))
	}

	limiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec)
	if err != nil {
		logger.Fatal("rate limiter initialization failed", zap.Error(err))
	}

	deadLetterRepo := repository.NewGormDeadLetterRepo(db)

	worker, err := service.NewWorkerService(
		consumer,
		publisher,
		providers,
		deadLetterRepo,
		limiter,
		cfg.WorkerConcurrency,
		logger,
	)
	if err != nil {
		logger.Fatal("worker service initialization failed", zap.Error(err))
	}
	worker.SetMetrics(metrics)

	janitor, err := service.NewJanitor(deadLetterRepo, pruneInterval, pruneRetention, logger)
	if err != nil {
		logger.Fatal("janitor initialization failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Start(groupCtx) })
	g.Go(func() error { return janitor.Start(groupCtx) })

	logger.Info("notifyq worker started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Int("providers", len(providers)),
	)
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Fatal("worker stopped with error", zap.Error(err))
	}
	logger.Info("notifyq worker stopped")
}

func buildProviders(cfg *config.Config) (map[domain.Channel]provider.Provider, error) {
	providers := make(map[domain.Channel]provider.Provider)

	if cfg.SendGridAPIKey != "" {
		sendgrid, err := provider.NewSendGridProvider(cfg.SendGridAPIKey, cfg.FromEmail)
		if err != nil {
			return nil, err
		}
		providers[domain.ChannelEmail] = sendgrid
	}
	if cfg.FCMServerKey != "" {
		fcm, err := provider.NewFCMProvider(cfg.FCMServerKey, cfg.FCMEndpoint)
		if err != nil {
			return nil, err
		}
		providers[domain.ChannelPush] = fcm
	}

	return providers, nil
}
