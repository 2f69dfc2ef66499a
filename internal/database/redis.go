package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"presence-service/internal/config"
)

// NewRedis connects to Redis from the configured URL. A nil client is a valid
// degraded mode: the realtime channel then fans out in-process only.
func NewRedis(cfg *config.Config) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}
