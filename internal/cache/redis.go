package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultQueryTimeout = 500 * time.Millisecond
	keyPrefix           = "freechat:"
)

// RedisCache keeps entries in Redis under a fixed prefix. Reads and writes
// degrade to misses when Redis is unreachable; Delete reports its error
// because a failed invalidation leaves stale material behind.
type RedisCache struct {
	client       *redis.Client
	queryTimeout time.Duration
}

// NewRedisCacheFromClient wraps cli. The caller owns its lifecycle.
func NewRedisCacheFromClient(cli *redis.Client) *RedisCache {
	return &RedisCache{client: cli, queryTimeout: defaultQueryTimeout}
}

// NewRedisCacheFromURL dials redisURL and checks it with a PING.
func NewRedisCacheFromURL(ctx context.Context, redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}
	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}
	return NewRedisCacheFromClient(cli), nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache_get_error", slog.String("error", err.Error()))
		}
		return nil, false
	}
	return val, true
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Set(ctx, keyPrefix+key, value, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "cache_set_error", slog.String("error", err.Error()))
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("cache: del: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
