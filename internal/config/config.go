package config

import (
	"fmt"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN        string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL        string `env:"RABBITMQ_URL,required=true"`
	RedisURL           string `env:"REDIS_URL,required=true"`
	UserServiceURL     string `env:"USER_SERVICE_URL,required=true"`
	TemplateServiceURL string `env:"TEMPLATE_SERVICE_URL,required=true"`
	InternalAPISecret  string `env:"INTERNAL_API_SECRET,default=super-secret-dev-key"`
	SendGridAPIKey     string `env:"SENDGRID_API_KEY,default="`
	FromEmail          string `env:"FROM_EMAIL,default=noreply@example.com"`
	FCMServerKey       string `env:"FCM_SERVER_KEY,default="`
	FCMEndpoint        string `env:"FCM_ENDPOINT,default=https://fcm.googleapis.com/fcm/send"`
	RateLimitPerSec    int    `env:"RATE_LIMIT_PER_SEC,default=100"`
	WorkerConcurrency  int    `env:"WORKER_CONCURRENCY,default=8"`
	APIPort            int    `env:"API_PORT,default=8080"`
	LogLevel           string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}
