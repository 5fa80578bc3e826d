package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	chunkdomain "github.com/smallbiznis/streampay/internal/chunk/domain"
	"github.com/smallbiznis/streampay/internal/clock"
	"github.com/smallbiznis/streampay/internal/config"
	obsmetrics "github.com/smallbiznis/streampay/internal/observability/metrics"
	sessiondomain "github.com/smallbiznis/streampay/internal/session/domain"
	videodomain "github.com/smallbiznis/streampay/internal/video/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	outcomeAdmitted         = "admitted"
	outcomeReplay           = "replay"
	outcomeCapacityExceeded = "capacity_exceeded"
	outcomeSettlementNeeded = "settlement_needed"
	outcomeSessionInactive  = "session_inactive"
	outcomeOutOfRange       = "segment_out_of_range"
	outcomeVideoInactive    = "video_inactive"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Policy     *config.PolicyHolder  `optional:"true"`
	SessionSvc sessiondomain.Service `optional:"true"`
	ObsMetrics *obsmetrics.Metrics   `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	policy     *config.PolicyHolder
	sessionSvc sessiondomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) chunkdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("chunk.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		policy:     p.Policy,
		sessionSvc: p.SessionSvc,
		obsMetrics: p.ObsMetrics,
	}
}

// Admit records one chunk view and bumps chunks_consumed in the same
// transaction. Replays of a known segment return the stored view untouched.
func (s *Service) Admit(ctx context.Context, req chunkdomain.AdmitRequest) (chunkdomain.AdmissionResult, error) {
	if req.SessionID == 0 {
		return chunkdomain.AdmissionResult{}, chunkdomain.ErrSessionUnavailable
	}
	if req.SegmentIndex < 0 {
		return chunkdomain.AdmissionResult{}, chunkdomain.ErrInvalidSegment
	}

	now := s.clock.Now()
	viewedAt := req.Timestamp.UTC()
	if req.Timestamp.IsZero() {
		viewedAt = now
	}
	policy := s.policy.Get()

	var (
		result chunkdomain.AdmissionResult
		stale  bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		video, err := loadSessionVideo(tx, req.SessionID)
		if err != nil {
			return err
		}
		if video == nil {
			return chunkdomain.ErrSessionUnavailable
		}
		if req.SegmentIndex >= video.TotalChunks {
			return chunkdomain.ErrSegmentOutOfRange
		}

		prior, err := findView(tx, req.SessionID, req.SegmentIndex)
		if err != nil {
			return err
		}
		if prior != nil {
			return fillReplay(tx, &result, *prior)
		}
		if !video.IsActive {
			return videodomain.ErrVideoNotActive
		}

		view := chunkdomain.ChunkView{
			ID:           s.genID.Generate(),
			SessionID:    req.SessionID,
			SegmentIndex: req.SegmentIndex,
			ViewedAt:     viewedAt,
			CreatedAt:    now,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "segment_index"}},
			DoNothing: true,
		}).Create(&view)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// A concurrent request admitted this segment first.
			prior, err := findView(tx, req.SessionID, req.SegmentIndex)
			if err != nil {
				return err
			}
			if prior == nil {
				return chunkdomain.ErrSessionUnavailable
			}
			return fillReplay(tx, &result, *prior)
		}

		query := `UPDATE sessions
			SET chunks_consumed = chunks_consumed + 1, last_activity_at = ?, updated_at = ?
			WHERE id = ?
			  AND status = ?
			  AND chunks_consumed < max_approved_chunks
			  AND created_at >= ?
			  AND last_activity_at >= ?`
		args := []any{
			now, now, req.SessionID, sessiondomain.StatusActive,
			now.Add(-policy.Session.MaxAge), now.Add(-policy.Session.InactivityTimeout),
		}
		if threshold := policy.Settlement.ThresholdChunks; threshold > 0 {
			query += ` AND chunks_consumed - chunks_settled < ?`
			args = append(args, threshold)
		}

		res = tx.Exec(query, args...)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			classified, expired, err := s.classifyRejection(tx, req.SessionID, now, policy)
			if err != nil {
				return err
			}
			stale = expired
			return classified
		}

		session, err := loadSession(tx, req.SessionID)
		if err != nil {
			return err
		}
		result = chunkdomain.AdmissionResult{
			Admitted:       true,
			View:           view,
			ChunksConsumed: session.ChunksConsumed,
			Unsettled:      session.Unsettled(),
		}
		return nil
	})
	if err != nil {
		if stale && s.sessionSvc != nil {
			if _, expireErr := s.sessionSvc.Expire(ctx, req.SessionID); expireErr != nil {
				s.log.Warn("failed to expire stale session", zap.String("session_ref", req.SessionID.String()), zap.Error(expireErr))
			}
		}
		s.obsMetrics.RecordChunkTrack(ctx, rejectionOutcome(err))
		return chunkdomain.AdmissionResult{}, err
	}

	if result.Replay {
		s.obsMetrics.RecordChunkTrack(ctx, outcomeReplay)
	} else {
		s.obsMetrics.RecordChunkTrack(ctx, outcomeAdmitted)
		s.log.Debug("chunk paid",
			zap.String("session_ref", req.SessionID.String()),
			zap.Int64("segment_index", req.SegmentIndex),
			zap.Int64("chunks_consumed", result.ChunksConsumed),
		)
	}
	return result, nil
}

// classifyRejection explains why the conditional counter update matched no
// row. The second return value marks an active session that outlived its
// expiry windows.
func (s *Service) classifyRejection(tx *gorm.DB, sessionID snowflake.ID, now time.Time, policy config.PolicyConfig) (error, bool, error) {
	session, err := loadSession(tx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if session == nil {
		return chunkdomain.ErrSessionUnavailable, false, nil
	}
	if session.Status != sessiondomain.StatusActive {
		return sessiondomain.ErrSessionNotActive, false, nil
	}
	if session.ExpiredAt(now, policy.Session.MaxAge, policy.Session.InactivityTimeout) {
		return sessiondomain.ErrSessionNotActive, true, nil
	}
	if session.Exhausted() {
		return chunkdomain.ErrCapacityExceeded, false, nil
	}
	return chunkdomain.ErrSettlementNeeded, false, nil
}

func (s *Service) UnsettledCount(ctx context.Context, sessionID snowflake.ID) (int64, error) {
	session, err := loadSession(s.db.WithContext(ctx), sessionID)
	if err != nil {
		return 0, err
	}
	if session == nil {
		return 0, sessiondomain.ErrSessionNotFound
	}
	return session.Unsettled(), nil
}

func (s *Service) List(ctx context.Context, sessionID snowflake.ID, onlyUnsettled bool) ([]chunkdomain.ChunkView, error) {
	stmt := s.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if onlyUnsettled {
		stmt = stmt.Where("settled = ?", false)
	}

	var views []chunkdomain.ChunkView
	if err := stmt.Order("created_at ASC, id ASC").Find(&views).Error; err != nil {
		return nil, err
	}
	for i := range views {
		views[i].ViewedAt = views[i].ViewedAt.UTC()
		views[i].CreatedAt = views[i].CreatedAt.UTC()
	}
	return views, nil
}

func findView(tx *gorm.DB, sessionID snowflake.ID, segmentIndex int64) (*chunkdomain.ChunkView, error) {
	var view chunkdomain.ChunkView
	err := tx.Where("session_id = ? AND segment_index = ?", sessionID, segmentIndex).First(&view).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	view.ViewedAt = view.ViewedAt.UTC()
	view.CreatedAt = view.CreatedAt.UTC()
	return &view, nil
}

func loadSession(tx *gorm.DB, sessionID snowflake.ID) (*sessiondomain.Session, error) {
	var session sessiondomain.Session
	err := tx.Where("id = ?", sessionID).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// loadSessionVideo returns the catalog row the session was approved for.
func loadSessionVideo(tx *gorm.DB, sessionID snowflake.ID) (*videodomain.Video, error) {
	var video videodomain.Video
	err := tx.Select("videos.*").
		Joins("JOIN sessions ON sessions.video_id = videos.id").
		Where("sessions.id = ?", sessionID).
		Take(&video).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &video, nil
}

func fillReplay(tx *gorm.DB, result *chunkdomain.AdmissionResult, view chunkdomain.ChunkView) error {
	session, err := loadSession(tx, view.SessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return chunkdomain.ErrSessionUnavailable
	}
	*result = chunkdomain.AdmissionResult{
		Admitted:       true,
		Replay:         true,
		View:           view,
		ChunksConsumed: session.ChunksConsumed,
		Unsettled:      session.Unsettled(),
	}
	return nil
}

func rejectionOutcome(err error) string {
	switch {
	case errors.Is(err, chunkdomain.ErrCapacityExceeded):
		return outcomeCapacityExceeded
	case errors.Is(err, chunkdomain.ErrSettlementNeeded):
		return outcomeSettlementNeeded
	case errors.Is(err, sessiondomain.ErrSessionNotActive), errors.Is(err, chunkdomain.ErrSessionUnavailable):
		return outcomeSessionInactive
	case errors.Is(err, chunkdomain.ErrSegmentOutOfRange):
		return outcomeOutOfRange
	case errors.Is(err, videodomain.ErrVideoNotActive):
		return outcomeVideoInactive
	default:
		return "error"
	}
}
