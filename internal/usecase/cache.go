package usecase

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// KeyPrefix namespaces every key the service writes to Redis.
const KeyPrefix = "face-compare:"

// Cache stores extracted faces and finished comparisons by key.
// A miss is reported as redis.Nil.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache keeps entries in Redis under KeyPrefix.
type RedisCache struct {
	client redis.Cmdable
}

// NewRedisCache wraps a go-redis client (or cluster/ring) as a Cache.
func NewRedisCache(client redis.Cmdable) *RedisCache {
	return &RedisCache{client: client}
}

// Set stores value under the prefixed key for expiration.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, KeyPrefix+key, value, expiration).Err()
}

// Get returns the value under the prefixed key, or redis.Nil on a miss.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, KeyPrefix+key).Result()
}

// NopCache is used when Redis is not configured: writes are dropped and every read misses.
type NopCache struct{}

func (NopCache) Set(context.Context, string, interface{}, time.Duration) error { return nil }

func (NopCache) Get(context.Context, string) (string, error) { return "", redis.Nil }
