package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/smallbiznis/streampay/internal/observability/metrics"
	sessiondomain "github.com/smallbiznis/streampay/internal/session/domain"
	settlementdomain "github.com/smallbiznis/streampay/internal/settlement/domain"
)

// WorkSession is the slice of a session row the auto settle job needs.
type WorkSession struct {
	ID             snowflake.ID
	ViewerID       string
	VideoID        string
	Status         sessiondomain.Status
	ChunksConsumed int64
	ChunksSettled  int64
}

func (w WorkSession) Unsettled() int64 { return w.ChunksConsumed - w.ChunksSettled }

// fetchSettleCandidates pages through sessions with unsettled chunks in id
// order. Sessions with a pending settlement belong to the recovery job.
// Exclusivity per session comes from the settlement lock, so no row locks
// are taken here.
func (s *Scheduler) fetchSettleCandidates(ctx context.Context, threshold int64, afterID snowflake.ID, limit int) ([]WorkSession, error) {
	if limit <= 0 {
		limit = s.cfg.BatchSize
	}
	if threshold <= 0 {
		// active sessions are never auto settled; the expression below never holds
		threshold = -1
	}

	var sessions []WorkSession
	schedMetrics := obsmetrics.Scheduler()
	start := time.Now()
	err := s.db.WithContext(ctx).Raw(
		`SELECT s.id, s.viewer_id, s.video_id, s.status, s.chunks_consumed, s.chunks_settled
		 FROM sessions s
		 WHERE s.id > ?
		   AND s.chunks_consumed > s.chunks_settled
		   AND (s.status <> ? OR (? > 0 AND s.chunks_consumed - s.chunks_settled >= ?))
		   AND NOT EXISTS (
		     SELECT 1 FROM settlements st
		     WHERE st.session_id = s.id AND st.status = ?
		   )
		 ORDER BY s.id ASC
		 LIMIT ?`,
		afterID,
		sessiondomain.StatusActive,
		threshold, threshold,
		settlementdomain.StatusPending,
		limit,
	).Scan(&sessions).Error
	schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceSettleCandidates, time.Since(start))
	if err != nil {
		return nil, err
	}
	return sessions, nil
}
