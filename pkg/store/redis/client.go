package redis

import (
	"context"
	"fmt"

	"deskgrid/pkg/config"

	"github.com/go-redis/redis/v8"
)

// RedisClient is the shared connection behind the replica mirror and the
// job locks.
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient connects and verifies the server is reachable; a gateway
// that cannot reach its mirror should fail at startup, not mid-reset.
func NewRedisClient(cfg *config.Config) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// GetClient exposes the underlying client for the repositories and locks.
func (r *RedisClient) GetClient() *redis.Client {
	return r.client
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}
