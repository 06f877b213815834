// Package ratelimit caps requests per minute, per scope. The Redis limiter
// shares its window across replicas; the local limiter serves single-node
// deployments without Redis.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))
		return 1
`)

const keyPrefix = "freechat:ratelimit:rpm:"

// Limiter decides whether one more request fits in scope's window.
type Limiter interface {
	Allow(ctx context.Context, scope string) (bool, error)
}

// RPMLimiter checks a requests-per-minute limit using a Redis sliding window.
type RPMLimiter struct {
	rdb      redis.UniversalClient
	rpmLimit int
	now      func() time.Time
}

// NewRPMLimiter creates a limiter allowing rpmLimit requests per minute and
// scope. rpmLimit must be > 0; values <= 0 block every request.
func NewRPMLimiter(rdb redis.UniversalClient, rpmLimit int) *RPMLimiter {
	return &RPMLimiter{rdb: rdb, rpmLimit: rpmLimit, now: time.Now}
}

// Allow reports whether the request is within the limit. Redis failures
// allow the request and return the error for the caller to count.
func (r *RPMLimiter) Allow(ctx context.Context, scope string) (bool, error) {
	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{keyPrefix + scope},
		r.now().UnixNano(), time.Minute.Nanoseconds(), r.rpmLimit,
	).Int()
	if err != nil {
		return true, err
	}
	return result == 1, nil
}

// LocalLimiter is an in-process sliding window over the last minute.
type LocalLimiter struct {
	limit int
	now   func() time.Time

	mu     sync.Mutex
	events map[string][]time.Time
}

func NewLocalLimiter(rpmLimit int) *LocalLimiter {
	return &LocalLimiter{limit: rpmLimit, now: time.Now, events: make(map[string][]time.Time)}
}

func (l *LocalLimiter) Allow(_ context.Context, scope string) (bool, error) {
	now := l.now()
	cutoff := now.Add(-time.Minute)

	l.mu.Lock()
	defer l.mu.Unlock()

	ev := l.events[scope]
	i := 0
	for i < len(ev) && !ev[i].After(cutoff) {
		i++
	}
	ev = ev[i:]
	if len(ev) >= l.limit {
		l.events[scope] = ev
		return false, nil
	}
	l.events[scope] = append(ev, now)
	return true, nil
}
