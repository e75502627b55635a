package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLimiter_Boundary(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLimiter(client, "", Limit{Requests: 3, Window: time.Minute}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "ses")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d, err := l.Allow(ctx, "ses")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.WaitTime, time.Duration(0))
	assert.LessOrEqual(t, d.WaitTime, time.Minute)

	// Denied calls do not consume quota.
	v, err := mr.Get("ratelimit:ses")
	require.NoError(t, err)
	assert.Equal(t, "3", v)

	mr.FastForward(time.Minute + time.Second)
	d, err = l.Allow(ctx, "ses")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedisLimiter_PerKeyLimits(t *testing.T) {
	_, client := newTestRedis(t)
	l := NewRedisLimiter(client, "rl:", Limit{Requests: 1, Window: time.Minute}, map[string]Limit{
		"bulk": {Requests: 2, Window: time.Minute},
	})
	ctx := context.Background()

	d, _ := l.Allow(ctx, "bulk")
	assert.True(t, d.Allowed)
	d, _ = l.Allow(ctx, "bulk")
	assert.True(t, d.Allowed)
	d, _ = l.Allow(ctx, "bulk")
	assert.False(t, d.Allowed)

	d, _ = l.Allow(ctx, "other")
	assert.True(t, d.Allowed)
	d, _ = l.Allow(ctx, "other")
	assert.False(t, d.Allowed)
}

func TestRedisLimiter_ConnectionError(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLimiter(client, "", DefaultLimit, nil)
	mr.Close()

	_, err := l.Allow(context.Background(), "ses")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ratelimit: redis allow ses")
}

func TestNewRedisLimiterFromURL(t *testing.T) {
	mr, _ := newTestRedis(t)
	l, client, err := NewRedisLimiterFromURL(context.Background(), "redis://"+mr.Addr(), DefaultLimit, nil)
	require.NoError(t, err)
	defer client.Close() //nolint:errcheck

	d, err := l.Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	_, _, err = NewRedisLimiterFromURL(context.Background(), "not-a-url", DefaultLimit, nil)
	assert.Error(t, err)
}
