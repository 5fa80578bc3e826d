package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/streampay/internal/config"
	"github.com/smallbiznis/streampay/internal/ratelimit"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLocalLockIsExclusivePerSession(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	release, ok, err := l.TryLock(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)

	otherRelease, ok, err := l.TryLock(ctx, "b")
	require.NoError(t, err)
	require.True(t, ok)
	otherRelease()

	release()
	release()

	again, ok, err := l.TryLock(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	again()
}

func TestLocalLockConcurrentCallers(t *testing.T) {
	l := NewLocal()
	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		start   = make(chan struct{})
		hold    = make(chan struct{})
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			release, ok, err := l.TryLock(context.Background(), "s")
			require.NoError(t, err)
			if ok {
				winners.Add(1)
				<-hold
				release()
			}
		}()
	}
	close(start)
	time.Sleep(20 * time.Millisecond)
	close(hold)
	wg.Wait()
	require.Equal(t, int32(1), winners.Load())
}

func TestDistributedLockSpansInstances(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{Lock: config.LockConfig{Distributed: true, TTL: time.Minute}}
	first := New(Params{Log: zap.NewNop(), Config: cfg, Locker: ratelimit.NewLocker(client)})
	second := New(Params{Log: zap.NewNop(), Config: cfg, Locker: ratelimit.NewLocker(client)})
	ctx := context.Background()

	release, ok, err := first.TryLock(ctx, "1799")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, srv.Exists("settlement:lock:1799"))

	_, ok, err = second.TryLock(ctx, "1799")
	require.NoError(t, err)
	require.False(t, ok)

	release()
	require.False(t, srv.Exists("settlement:lock:1799"))

	release, ok, err = second.TryLock(ctx, "1799")
	require.NoError(t, err)
	require.True(t, ok)
	release()
}
