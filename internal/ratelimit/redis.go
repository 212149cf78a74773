// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jeranaias/advad-relay/internal/config"
)

// slidingLogScript keeps one sorted-set member per accepted request, scored
// by its time in milliseconds.
//
// KEYS[1]: log key
// ARGV[1]: now (ms)
// ARGV[2]: window (ms)
// ARGV[3]: limit
// ARGV[4]: member for this attempt
// Returns {allowed, count, retry_after_ms}.
var slidingLogScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if count >= limit then
    local retry = window
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    if oldest[2] then
        retry = tonumber(oldest[2]) + window - now
    end
    return {0, count, retry}
end

redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, count + 1, 0}
`)

// RedisLimiter shares a sliding log across relay instances.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
	owned  bool
}

// NewRedisLimiter uses an existing client. Close does not close it.
func NewRedisLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// DialRedis connects to cfg.Addr and verifies the connection.
func DialRedis(cfg config.RedisConfig, limit int, window time.Duration) (*RedisLimiter, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	rl := NewRedisLimiter(client, cfg.KeyPrefix, limit, window)
	rl.owned = true
	return rl, nil
}

// Allow runs the sliding-log script atomically for key.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := r.now().UnixMilli()

	res, err := slidingLogScript.Run(ctx, r.client,
		[]string{r.prefix + key},
		now, r.window.Milliseconds(), r.limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit script returned %d values, want 3", len(res))
	}

	d := Decision{
		Allowed:   res[0] == 1,
		Limit:     r.limit,
		Remaining: r.limit - int(res[1]),
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed {
		d.RetryAfter = time.Duration(res[2]) * time.Millisecond
	}
	return d, nil
}

// Close closes the client if DialRedis created it.
func (r *RedisLimiter) Close() error {
	if r.owned {
		return r.client.Close()
	}
	return nil
}
