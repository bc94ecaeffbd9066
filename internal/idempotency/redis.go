package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "flowplane:idem:"

// RedisCache is a shared Cache for multi-instance deployments.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an existing client. The caller owns the client's
// lifecycle.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// DialRedis opens and pings a Redis client at the given address.
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis at %s: %w", addr, err)
	}
	return client, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	val, err := c.client.Get(ctx, redisKeyPrefix+key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency get: %w", err)
	}
	return json.RawMessage(val), true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := c.client.Set(ctx, redisKeyPrefix+key, string(value), ttl).Err(); err != nil {
		return fmt.Errorf("idempotency set: %w", err)
	}
	return nil
}
