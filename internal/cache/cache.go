// Package cache stores derived credential material keyed by a digest of the
// credential it came from.
//
// Two backends are available:
//   - RedisCache shares entries between replicas.
//   - MemoryCache keeps entries in process.
package cache

import (
	"context"
	"fmt"
	"time"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Mode selects a backend.
type Mode string

const (
	ModeMemory Mode = "memory"
	ModeRedis  Mode = "redis"
	ModeOff    Mode = "none"
)

// New builds the backend named by mode. ModeOff returns a nil Cache, which
// callers treat as "always miss".
func New(ctx context.Context, mode Mode, redisURL string) (Cache, func() error, error) {
	switch mode {
	case ModeOff, "":
		return nil, func() error { return nil }, nil
	case ModeMemory:
		mc := NewMemoryCache(ctx)
		return mc, func() error { mc.Close(); return nil }, nil
	case ModeRedis:
		rc, err := NewRedisCacheFromURL(ctx, redisURL)
		if err != nil {
			return nil, nil, err
		}
		return rc, rc.Close, nil
	default:
		return nil, nil, fmt.Errorf("cache: unknown mode %q", mode)
	}
}
