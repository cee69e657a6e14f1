// Package cache stores radare2 output in Redis so repeated tool calls against
// an unchanged binary skip the backend.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "r2mcp:"

// RedisCache provides caching via Redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to url and verifies the server answers.
func NewRedisCache(ctx context.Context, url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get retrieves a value. A missing key yields "" and no error.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

// Set stores a value with TTL.
func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// DeleteFile removes every cached entry for the binary with the given digest.
func (c *RedisCache) DeleteFile(ctx context.Context, digest string) error {
	iter := c.client.Scan(ctx, 0, keyPrefix+"disasm:"+digest+":*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	return c.client.Del(ctx, generationKey(digest)).Err()
}

// GetGeneration returns the analysis generation of a binary. Entries written
// under an older generation are never read again.
func (c *RedisCache) GetGeneration(ctx context.Context, digest string) (int64, error) {
	val, err := c.client.Get(ctx, generationKey(digest)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

// IncrGeneration invalidates everything cached for a binary so far.
func (c *RedisCache) IncrGeneration(ctx context.Context, digest string) (int64, error) {
	return c.client.Incr(ctx, generationKey(digest)).Result()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func generationKey(digest string) string {
	return keyPrefix + "gen:" + digest
}

// DisassemblyKey generates the cache key for a pd listing. scope names the
// radare2 process the listing came from; its settings and analysis are not
// visible to other processes.
func DisassemblyKey(scope, digest, address string, count int, generation int64) string {
	return fmt.Sprintf("%sdisasm:%s:%s:%d:%s:%d", keyPrefix, digest, scope, generation, address, count)
}
