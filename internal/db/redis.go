package db

import (
	"context"

	"gpsrelay/internal/config"

	"github.com/redis/go-redis/v9"
)

// ConnectRedis returns nil when no address is configured.
func ConnectRedis(cfg config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}

	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
}

// PingRedis fails when the point store or bus is unreachable at boot.
func PingRedis(client *redis.Client) error {
	if client == nil {
		return ErrStoreUnavailable
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return Unavailable("ping redis", err)
	}
	return nil
}
