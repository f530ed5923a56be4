/**
 * @description
 * This file implements per-claimant rate limiting for claim attempts. The
 * limiter enforces a fixed-start window: the first attempt starts the
 * window, subsequent attempts within the window count against the cap, and
 * the window resets once its start time ages past the window length.
 *
 * The Redis implementation runs an atomic Lua script (INCR + PEXPIRE +
 * PTTL) so concurrent attempts from the same claimant cannot race past the
 * cap across service instances. The in-memory implementation backs
 * single-instance deployments and tests.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: Redis client and Lua script support.
 */

package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter decides whether a claimant may attempt a claim right now.
// When the attempt is denied, retryAfter is how long until the current
// window expires.
type RateLimiter interface {
	Allow(ctx context.Context, claimantID string) (allowed bool, retryAfter time.Duration, err error)
}

// rateLimitScript atomically increments the claimant's attempt counter,
// starts the window on the first attempt, and returns the counter together
// with the window's remaining TTL in milliseconds.
var rateLimitScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {count, ttl}
`)

// RedisRateLimiter is the Redis-backed limiter used when the service runs
// with more than one instance.
type RedisRateLimiter struct {
	client    *redis.Client
	keyPrefix string
	limit     int
	window    time.Duration
}

// NewRedisRateLimiter creates a limiter allowing `limit` attempts per
// claimant per `window`.
func NewRedisRateLimiter(client *redis.Client, keyPrefix string, limit int, window time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, keyPrefix: keyPrefix, limit: limit, window: window}
}

// Allow consumes one attempt from the claimant's window.
func (l *RedisRateLimiter) Allow(ctx context.Context, claimantID string) (bool, time.Duration, error) {
	key := fmt.Sprintf("%s:ratelimit:claim:%s", l.keyPrefix, claimantID)
	result, err := rateLimitScript.Run(ctx, l.client, []string{key}, l.window.Milliseconds()).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(result) != 2 {
		return false, 0, fmt.Errorf("rate limit script returned %d values, want 2", len(result))
	}

	count, ok := result[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("rate limit script returned non-integer count")
	}
	ttlMS, ok := result[1].(int64)
	if !ok {
		return false, 0, fmt.Errorf("rate limit script returned non-integer ttl")
	}

	if count > int64(l.limit) {
		retryAfter := time.Duration(ttlMS) * time.Millisecond
		if retryAfter < 0 {
			retryAfter = l.window
		}
		return false, retryAfter, nil
	}
	return true, 0, nil
}

// MemoryRateLimiter is a process-local limiter with the same fixed-start
// window semantics as the Redis implementation.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	entries map[string]*windowEntry
	now     func() time.Time
}

type windowEntry struct {
	windowStart time.Time
	count       int
}

// NewMemoryRateLimiter creates an in-process limiter.
func NewMemoryRateLimiter(limit int, window time.Duration) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		limit:   limit,
		window:  window,
		entries: make(map[string]*windowEntry),
		now:     time.Now,
	}
}

// Allow consumes one attempt from the claimant's window.
func (l *MemoryRateLimiter) Allow(_ context.Context, claimantID string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.entries[claimantID]
	if !ok || now.Sub(entry.windowStart) >= l.window {
		l.entries[claimantID] = &windowEntry{windowStart: now, count: 1}
		return true, 0, nil
	}

	entry.count++
	if entry.count > l.limit {
		retryAfter := l.window - now.Sub(entry.windowStart)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter, nil
	}
	return true, 0, nil
}
