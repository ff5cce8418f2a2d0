package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"

	"github.com/notifyq/notifyq/internal/breaker"
	"github.com/notifyq/notifyq/internal/config"
	"github.com/notifyq/notifyq/internal/directory"
	"github.com/notifyq/notifyq/internal/domain"
	"github.com/notifyq/notifyq/internal/handler"
	"github.com/notifyq/notifyq/internal/idempotency"
	"github.com/notifyq/notifyq/internal/infra/postgresql"
	"github.com/notifyq/notifyq/internal/infra/postgresql/migrations"
	infraredis "github.com/notifyq/notifyq/internal/infra/redis"
	"github.com/notifyq/notifyq/internal/observability"
	"github.com/notifyq/notifyq/internal/queue"
	"github.com/notifyq/notifyq/internal/repository"
	"github.com/notifyq/notifyq/internal/service"
	"github.com/notifyq/notifyq/internal/transport"
)

const (
	idempotencyTTL  = 24 * time.Hour
	shutdownTimeout = 10 * time.Second
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

	guard, err := idempotency.NewRedisStore(rdb, idempotencyTTL)
	if err != nil {
		logger.Fatal("idempotency store initialization failed", zap.Error(err))
	}

	userClient, err := directory.NewUserClient(cfg.UserServiceURL, cfg.InternalAPISecret)
	if err != nil {
		logger.Fatal("user client initialization failed", zap.Error(err))
	}
	templateClient, err := directory.NewTemplateClient(cfg.TemplateServiceURL, cfg.InternalAPISecret)
	if err != nil {
		logger.Fatal("template client initialization failed", zap.Error(err))
	}

	userBreaker, err := newDependencyBreaker("user-service", metrics)
	if err != nil {
		logger.Fatal("user breaker initialization failed", zap.Error(err))
	}
	templateBreaker, err := newDependencyBreaker("template-service", metrics)
	if err != nil {
		logger.Fatal("template breaker initialization failed", zap.Error(err))
	}

	ingress, err := service.NewIngressService(
		guard,
		userClient,
		templateClient,
		userBreaker,
		templateBreaker,
		publisher,
		logger,
	)
	if err != nil {
		logger.Fatal("ingress service initialization failed", zap.Error(err))
	}
	ingress.SetMetrics(metrics)

	limiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec)
	if err != nil {
		logger.Fatal("rate limiter initialization failed", zap.Error(err))
	}

	deadLetterRepo := repository.NewGormDeadLetterRepo(db)

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	if err := handler.RegisterNotificationRoutes(app, ingress, deadLetterRepo, limiter); err != nil {
		logger.Fatal("route registration failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down api")
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.Error("shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("notifyq api started", zap.Int("port", cfg.APIPort))
	if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
		logger.Fatal("api server failed", zap.Error(err))
	}
}

func newDependencyBreaker(name string, metrics *observability.Metrics) (*breaker.Breaker, error) {
	return breaker.New(breaker.Config{
		Name: name,
		IsFailure: func(err error) bool {
			// Expected outcomes must not open the breaker.
			return !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrValidation)
		},
		OnStateChange: func(name string, from breaker.State, to breaker.State) {
			metrics.SetBreakerState(name, to.Value())
		},
	})
}
