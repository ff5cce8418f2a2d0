package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/notifyq/notifyq/internal/config"
	"github.com/notifyq/notifyq/internal/observability"
	"github.com/notifyq/notifyq/internal/queue"
	"github.com/notifyq/notifyq/internal/service"
)

const consumerPrefetch = 16

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

	router, err := service.NewRouterService(consumer, publisher, logger)
	if err != nil {
		logger.Fatal("router service initialization failed", zap.Error(err))
	}
	router.SetMetrics(metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("notifyq router started")
	if err := router.Start(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("router stopped with error", zap.Error(err))
	}
	logger.Info("notifyq router stopped")
}
