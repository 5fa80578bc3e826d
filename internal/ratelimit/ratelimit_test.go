package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/streampay/internal/config"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

func TestLockerExclusiveAndTokenGuardedRelease(t *testing.T) {
	srv, client := newRedis(t)
	locker := NewLocker(client)
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, "settlement:lock:1799", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	_, ok, err = locker.TryLock(ctx, "settlement:lock:1799", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	// a stale token must not release someone else's lock
	require.NoError(t, locker.Release(ctx, "settlement:lock:1799", "not-the-owner"))
	require.True(t, srv.Exists("settlement:lock:1799"))

	require.NoError(t, locker.Release(ctx, "settlement:lock:1799", token))
	require.False(t, srv.Exists("settlement:lock:1799"))
}

func TestLockerExpires(t *testing.T) {
	srv, client := newRedis(t)
	locker := NewLocker(client)
	ctx := context.Background()

	_, ok, err := locker.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	srv.FastForward(2 * time.Second)
	_, ok, err = locker.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLockerValidation(t *testing.T) {
	var nilLocker *Locker
	_, _, err := nilLocker.TryLock(context.Background(), "k", time.Second)
	require.ErrorIs(t, err, ErrLockNotConfigured)

	_, client := newRedis(t)
	_, _, err = NewLocker(client).TryLock(context.Background(), "", time.Second)
	require.ErrorIs(t, err, ErrLockKeyEmpty)
}

func TestTokenBucketDeniesAfterBurst(t *testing.T) {
	_, client := newRedis(t)
	bucket := NewTokenBucket(client)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := bucket.Allow(ctx, "bucket", 0.001, 3)
		require.NoError(t, err)
		require.True(t, res.Allowed, "call %d", i)
	}
	res, err := bucket.Allow(ctx, "bucket", 0.001, 3)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Positive(t, res.RetryAfter)
}

func enabledConfig() config.Config {
	return config.Config{RateLimit: config.RateLimitConfig{
		Enabled:         true,
		ChunkTrackRate:  0.001,
		ChunkTrackBurst: 2,
		SettleRate:      0.001,
		SettleBurst:     1,
	}}
}

func TestLimiterLocalFallback(t *testing.T) {
	limiter, err := NewLimiter(enabledConfig(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := limiter.AllowChunkTrack(ctx, "viewer-a")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := limiter.AllowChunkTrack(ctx, "viewer-a")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	// buckets are per viewer
	res, err = limiter.AllowChunkTrack(ctx, "viewer-b")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = limiter.AllowSettle(ctx, "1799")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	res, err = limiter.AllowSettle(ctx, "1799")
	require.NoError(t, err)
	require.False(t, res.Allowed)
}

func TestLimiterRedisBacked(t *testing.T) {
	_, client := newRedis(t)
	limiter, err := NewLimiter(enabledConfig(), client)
	require.NoError(t, err)

	res, err := limiter.AllowSettle(context.Background(), "1799")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	res, err = limiter.AllowSettle(context.Background(), "1799")
	require.NoError(t, err)
	require.False(t, res.Allowed)
}

func TestLimiterDisabledAllowsEverything(t *testing.T) {
	limiter, err := NewLimiter(config.Config{}, nil)
	require.NoError(t, err)
	require.False(t, limiter.Enabled())

	res, err := limiter.AllowChunkTrack(context.Background(), "viewer-a")
	require.NoError(t, err)
	require.True(t, res.Allowed)
}
