package main

import (
	"log/slog"
	"time"

	"github.com/fastprodman/ticketeconomy/internal/config"
)

type apiConfig struct {
	Port            uint16        `env:"APP_PORT" default:"8080"`
	LogLevel        slog.Level    `env:"APP_LOG_LEVEL" default:"INFO"`
	ShutdownTimeout time.Duration `env:"APP_SHUTDOWN_TIMEOUT" default:"15s"`
	CORSOrigins     []string      `env:"APP_CORS_ORIGINS" default:"*"`
	EventTimeout    time.Duration `env:"APP_EVENT_TIMEOUT" default:"5s"`

	Postgres  config.PostgresConfig
	Redis     config.RedisConfig
	Kafka     config.KafkaConfig
	Wallet    config.WalletConfig
	Retry     config.RetryConfig
	Breaker   config.BreakerConfig
	RateLimit config.RateLimitConfig
	Fraud     config.FraudConfig
	Rewards   config.RewardConfig
}
