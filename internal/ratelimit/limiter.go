package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/streampay/internal/config"
	"golang.org/x/time/rate"
)

const (
	keyChunkTrackViewer = "ratelimit:chunk-track:viewer:%s"
	keySettleSession    = "ratelimit:settle:session:%s"

	maxLocalBuckets = 50_000
)

// Limiter throttles chunk-track calls per viewer and settle calls per
// session. Buckets live in redis when configured, otherwise in process.
type Limiter struct {
	enabled bool

	bucket *TokenBucket
	local  *localBuckets

	chunkRate   float64
	chunkBurst  int
	settleRate  float64
	settleBurst int
}

func NewLimiter(cfg config.Config, client *redis.Client) (*Limiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return &Limiter{}, nil
	}
	if limitCfg.ChunkTrackRate <= 0 || limitCfg.ChunkTrackBurst <= 0 {
		return nil, fmt.Errorf("chunk-track rate limit must be positive")
	}
	if limitCfg.SettleRate <= 0 || limitCfg.SettleBurst <= 0 {
		return nil, fmt.Errorf("settle rate limit must be positive")
	}

	limiter := &Limiter{
		enabled:     true,
		chunkRate:   limitCfg.ChunkTrackRate,
		chunkBurst:  limitCfg.ChunkTrackBurst,
		settleRate:  limitCfg.SettleRate,
		settleBurst: limitCfg.SettleBurst,
	}
	if client != nil {
		limiter.bucket = NewTokenBucket(client)
	} else {
		limiter.local = newLocalBuckets()
	}
	return limiter, nil
}

func (l *Limiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *Limiter) AllowChunkTrack(ctx context.Context, viewerID string) (*RateLimitResult, error) {
	return l.allow(ctx, fmt.Sprintf(keyChunkTrackViewer, strings.TrimSpace(viewerID)), l.chunkRate, l.chunkBurst)
}

func (l *Limiter) AllowSettle(ctx context.Context, sessionRef string) (*RateLimitResult, error) {
	return l.allow(ctx, fmt.Sprintf(keySettleSession, strings.TrimSpace(sessionRef)), l.settleRate, l.settleBurst)
}

func (l *Limiter) allow(ctx context.Context, key string, r float64, burst int) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	if l.bucket != nil {
		return l.bucket.Allow(ctx, key, r, burst)
	}
	return l.local.allow(key, r, burst), nil
}

type localBuckets struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newLocalBuckets() *localBuckets {
	return &localBuckets{limiters: map[string]*rate.Limiter{}}
}

func (b *localBuckets) allow(key string, r float64, burst int) *RateLimitResult {
	b.mu.Lock()
	limiter, ok := b.limiters[key]
	if !ok {
		if len(b.limiters) >= maxLocalBuckets {
			b.limiters = map[string]*rate.Limiter{}
		}
		limiter = rate.NewLimiter(rate.Limit(r), burst)
		b.limiters[key] = limiter
	}
	b.mu.Unlock()

	now := time.Now()
	reservation := limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return &RateLimitResult{Allowed: false, Limit: burst}
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return &RateLimitResult{Allowed: false, Limit: burst, RetryAfter: delay}
	}
	return &RateLimitResult{
		Allowed:   true,
		Limit:     burst,
		Remaining: int(limiter.TokensAt(now)),
	}
}
