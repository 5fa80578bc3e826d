package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/streampay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/streampay/internal/observability/metrics"
	"github.com/smallbiznis/streampay/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	rateLimitReasonViewerRate  = "viewer-rate"
	rateLimitReasonSessionRate = "session-rate"
)

type rateLimitKey struct {
	ViewerPubkey string `json:"viewerPubkey"`
	SessionRef   string `json:"sessionRef"`
}

// ChunkTrackRateLimit throttles chunk-track per viewer. Requests without a
// readable viewer fall through to the handler, which rejects them.
func (s *Server) ChunkTrackRateLimit() gin.HandlerFunc {
	return s.bodyKeyedRateLimit(rateLimitReasonViewerRate,
		func(k rateLimitKey) string { return k.ViewerPubkey },
		func(ctx context.Context, key string) (*ratelimit.RateLimitResult, error) {
			return s.limiter.AllowChunkTrack(ctx, key)
		},
	)
}

// SettleRateLimit throttles settle calls per session.
func (s *Server) SettleRateLimit() gin.HandlerFunc {
	return s.bodyKeyedRateLimit(rateLimitReasonSessionRate,
		func(k rateLimitKey) string { return k.SessionRef },
		func(ctx context.Context, key string) (*ratelimit.RateLimitResult, error) {
			return s.limiter.AllowSettle(ctx, key)
		},
	)
}

func (s *Server) bodyKeyedRateLimit(
	reason string,
	pick func(rateLimitKey) string,
	allow func(ctx context.Context, key string) (*ratelimit.RateLimitResult, error),
) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		endpoint := normalizeRateLimitEndpoint(c)

		key, err := readRateLimitKey(c)
		if err != nil {
			logger.FromContext(ctx).Warn("rate limit read body failed", zap.Error(err))
			AbortWithError(c, invalidRequestError())
			return
		}
		subject := strings.TrimSpace(pick(key))
		if subject == "" {
			c.Next()
			return
		}

		result, err := allow(ctx, subject)
		if err != nil {
			logger.FromContext(ctx).Warn("rate limit check failed",
				zap.String("endpoint", endpoint),
				zap.Error(err),
			)
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !result.Allowed {
			denyRateLimit(c, endpoint, reason, result, s.obsMetrics)
			return
		}

		if result.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		}
		recordRateLimitAllowed(ctx, endpoint, s.obsMetrics)
		c.Next()
	}
}

func denyRateLimit(c *gin.Context, endpoint, reason string, result *ratelimit.RateLimitResult, metrics *obsmetrics.Metrics) {
	ctx := c.Request.Context()
	logger.FromContext(ctx).Warn("rate limit exceeded",
		zap.String("reason", reason),
		zap.String("endpoint", endpoint),
	)
	recordRateLimitDenied(ctx, endpoint, reason, metrics)

	c.Header("Retry-After", retryAfterSeconds(result.RetryAfter))
	c.Header("X-Rate-Limited-Reason", reason)
	AbortWithError(c, ErrRateLimited)
}

func retryAfterSeconds(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

func recordRateLimitAllowed(ctx context.Context, endpoint string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitAllowed(ctx, endpoint)
}

func recordRateLimitDenied(ctx context.Context, endpoint, reason string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitDenied(ctx, endpoint, reason)
}

// readRateLimitKey peeks at the JSON body and restores it for the handler.
func readRateLimitKey(c *gin.Context) (rateLimitKey, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return rateLimitKey{}, err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	if len(body) == 0 {
		return rateLimitKey{}, nil
	}

	var payload rateLimitKey
	if err := json.Unmarshal(body, &payload); err != nil {
		return rateLimitKey{}, nil
	}
	return payload, nil
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
