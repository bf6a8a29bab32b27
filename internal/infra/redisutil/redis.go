package redisutil

import (
	"context"
	"fmt"

	"github.com/fastprodman/ticketeconomy/internal/config"
	"github.com/go-redis/redis/v8"
)

// Connect opens a client and checks it answers PING.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	err := client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}
