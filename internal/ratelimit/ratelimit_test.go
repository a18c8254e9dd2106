package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kxpipe/internal/errs"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestAcquireSucceedsUnderQuota(t *testing.T) {
	rdb := newTestRedis(t)
	limiter := New(rdb, Config{DelayMin: time.Millisecond, DelayMax: 2 * time.Millisecond, DailyLimit: 5})

	err := limiter.Acquire(context.Background(), "example.com")
	require.NoError(t, err)
}

func TestAcquireExceedsDailyLimitReturnsTaggedError(t *testing.T) {
	rdb := newTestRedis(t)
	limiter := New(rdb, Config{DelayMin: time.Millisecond, DelayMax: 2 * time.Millisecond, DailyLimit: 1})

	require.NoError(t, limiter.Acquire(context.Background(), "example.com"))
	err := limiter.Acquire(context.Background(), "example.com")
	require.Error(t, err)
	assert.Equal(t, errs.KindRateLimitExceeded, errs.KindOf(err))

	var wrapped *errs.Error
	require.True(t, errs.AsError(err, &wrapped))
	detail, ok := wrapped.Err.(*RateLimitExceeded)
	require.True(t, ok, "expected wrapped error to be *RateLimitExceeded, got %T", wrapped.Err)
	assert.Equal(t, "example.com", detail.Domain)
	assert.Equal(t, int64(1), detail.Limit)
	assert.Greater(t, detail.ResetInSeconds, int64(0))
}

func TestWaitIfNeededSetsLastRequestTTLToOneHour(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := New(rdb, Config{DelayMin: time.Millisecond, DelayMax: 2 * time.Millisecond})

	require.NoError(t, limiter.Acquire(context.Background(), "example.com"))
	ttl := mr.TTL(limiter.lastRequestKey("example.com"))
	assert.Equal(t, 1*time.Hour, ttl)
}

func TestAcquireTracksSeparateDomainsIndependently(t *testing.T) {
	rdb := newTestRedis(t)
	limiter := New(rdb, Config{DelayMin: time.Millisecond, DelayMax: 2 * time.Millisecond, DailyLimit: 1})

	require.NoError(t, limiter.Acquire(context.Background(), "a.example.com"))
	require.NoError(t, limiter.Acquire(context.Background(), "b.example.com"))
}

func TestAcquireEnforcesMinimumSpacingBetweenRequests(t *testing.T) {
	rdb := newTestRedis(t)
	limiter := New(rdb, Config{DelayMin: 30 * time.Millisecond, DelayMax: 40 * time.Millisecond})

	start := time.Now()
	require.NoError(t, limiter.Acquire(context.Background(), "example.com"))
	require.NoError(t, limiter.Acquire(context.Background(), "example.com"))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestAcquireZeroDailyLimitDisablesQuotaCheck(t *testing.T) {
	rdb := newTestRedis(t)
	limiter := New(rdb, Config{DelayMin: time.Millisecond, DelayMax: 2 * time.Millisecond})

	for i := 0; i < 5; i++ {
		require.NoError(t, limiter.Acquire(context.Background(), "example.com"))
	}
}
