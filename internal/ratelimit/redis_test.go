// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/advad-relay/internal/config"
)

func newTestRedisLimiter(t *testing.T, limit int, window time.Duration) (*RedisLimiter, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := newFakeClock()
	rl := NewRedisLimiter(client, "test:", limit, window)
	rl.now = clock.Now
	return rl, mr, clock
}

// =============================================================================
// REDIS LIMITER TESTS
// =============================================================================

func TestRedisLimiter_EleventhDenied(t *testing.T) {
	rl, mr, _ := newTestRedisLimiter(t, 10, time.Minute)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		d, err := rl.Allow(ctx, "198.51.100.4")
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d should be allowed", i)
		assert.Equal(t, 10-i, d.Remaining)
	}

	d, err := rl.Allow(ctx, "198.51.100.4")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, time.Minute, d.RetryAfter)

	members, err := mr.ZMembers("test:198.51.100.4")
	require.NoError(t, err)
	assert.Len(t, members, 10, "denied attempt must not be recorded")
}

func TestRedisLimiter_SlidingWindow(t *testing.T) {
	rl, _, clock := newTestRedisLimiter(t, 2, time.Minute)
	ctx := context.Background()

	_, _ = rl.Allow(ctx, "k")
	clock.Advance(20 * time.Second)
	_, _ = rl.Allow(ctx, "k")

	clock.Advance(20 * time.Second)
	d, err := rl.Allow(ctx, "k")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.Equal(t, 20*time.Second, d.RetryAfter)

	clock.Advance(20 * time.Second)
	d, err = rl.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedisLimiter_KeysIndependent(t *testing.T) {
	rl, _, _ := newTestRedisLimiter(t, 1, time.Minute)
	ctx := context.Background()

	d, _ := rl.Allow(ctx, "a")
	require.True(t, d.Allowed)
	d, _ = rl.Allow(ctx, "a")
	require.False(t, d.Allowed)

	d, _ = rl.Allow(ctx, "b")
	assert.True(t, d.Allowed)
}

func TestRedisLimiter_SetsExpiry(t *testing.T) {
	rl, mr, _ := newTestRedisLimiter(t, 5, time.Minute)

	_, err := rl.Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL("test:k"))
}

func TestRedisLimiter_StoreDown(t *testing.T) {
	rl, mr, _ := newTestRedisLimiter(t, 5, time.Minute)
	mr.Close()

	_, err := rl.Allow(context.Background(), "k")
	assert.Error(t, err)
}

func TestDialRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	rl, err := DialRedis(config.RedisConfig{Addr: mr.Addr(), KeyPrefix: "advad:"}, 3, time.Minute)
	require.NoError(t, err)

	d, err := rl.Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, mr.Exists("advad:k"))
	require.NoError(t, rl.Close())

	_, err = DialRedis(config.RedisConfig{}, 3, time.Minute)
	assert.Error(t, err)
}

func TestNew_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default().RateLimit
	cfg.Store = config.StoreRedis
	cfg.Redis.Addr = mr.Addr()

	l, err := New(cfg)
	require.NoError(t, err)
	defer l.Close()
	assert.IsType(t, &RedisLimiter{}, l)
}
