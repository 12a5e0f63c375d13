package usecase

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/example/bg-studio/internal/pipeline"
)

// Cache abstracts the Redis operations used by the studio so tests can stub it.
// Assets live here with a TTL; expiry is their teardown.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a cached value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

func assetKey(id string) string {
	return "asset:" + id
}

func jobKey(requestID string) string {
	return "job:" + requestID
}

// cutoutKey content-addresses processed results so repeating a removal on the
// same input and format reuses the earlier cutout.
func cutoutKey(inputSHA1 string, format pipeline.Format) string {
	return "cutout:" + inputSHA1 + ":" + string(format)
}
