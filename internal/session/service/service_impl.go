package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/streampay/internal/audit/domain"
	"github.com/smallbiznis/streampay/internal/clock"
	"github.com/smallbiznis/streampay/internal/config"
	sessiondomain "github.com/smallbiznis/streampay/internal/session/domain"
	videodomain "github.com/smallbiznis/streampay/internal/video/domain"
	"github.com/smallbiznis/streampay/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxViewerIDLength = 128

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Policy   *config.PolicyHolder `optional:"true"`
	VideoSvc videodomain.Service
	AuditSvc auditdomain.Service `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	policy   *config.PolicyHolder
	videoSvc videodomain.Service
	auditSvc auditdomain.Service
}

func NewService(p Params) sessiondomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("session.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		policy:   p.Policy,
		videoSvc: p.VideoSvc,
		auditSvc: p.AuditSvc,
	}
}

func (s *Service) Create(ctx context.Context, req sessiondomain.CreateRequest) (*sessiondomain.Session, error) {
	viewerID := strings.TrimSpace(req.ViewerID)
	if viewerID == "" || len(viewerID) > maxViewerIDLength {
		return nil, sessiondomain.ErrInvalidViewer
	}
	videoID := strings.TrimSpace(req.VideoID)
	if videoID == "" {
		return nil, sessiondomain.ErrInvalidVideo
	}

	policy := s.policy.Get().Session
	if req.MaxApprovedChunks <= 0 {
		return nil, sessiondomain.ErrInvalidMaxChunks
	}
	if req.MaxApprovedChunks > policy.MaxChunksPerApproval {
		return nil, sessiondomain.ErrMaxChunksPerApproval
	}

	video, err := s.videoSvc.Get(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if !video.IsActive {
		return nil, videodomain.ErrVideoNotActive
	}

	price := req.PricePerChunk
	if price == 0 {
		price = video.PricePerChunk
	}
	if price != video.PricePerChunk {
		return nil, sessiondomain.ErrPriceMismatch
	}
	if price < policy.MinPricePerChunk {
		return nil, sessiondomain.ErrPriceTooLow
	}

	var (
		session    *sessiondomain.Session
		reapproval bool
	)
	// A concurrent first approval loses on the active-session unique index;
	// the second pass sees the winner and extends it instead.
	for attempt := 0; attempt < 2; attempt++ {
		session, reapproval, err = s.approve(ctx, viewerID, video, price, req.MaxApprovedChunks, req.DelegateTrusted)
		if err == nil || !db.IsDuplicateKeyErr(err) {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	s.audit(ctx, auditdomain.ActionDelegationApproved, session, map[string]any{
		"viewer_id":           viewerID,
		"video_id":            videoID,
		"approved_chunks":     req.MaxApprovedChunks,
		"max_approved_chunks": session.MaxApprovedChunks,
		"price_per_chunk":     session.PricePerChunk,
		"delegate_trusted":    session.DelegateTrusted,
		"is_reapproval":       reapproval,
	})

	return session, nil
}

func (s *Service) approve(
	ctx context.Context,
	viewerID string,
	video *videodomain.Video,
	price int64,
	chunks int64,
	delegateTrusted bool,
) (*sessiondomain.Session, bool, error) {
	policy := s.policy.Get().Session
	now := s.clock.Now()

	var (
		result     sessiondomain.Session
		reapproval bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing sessiondomain.Session
		err := tx.Raw(
			`SELECT * FROM sessions
			 WHERE viewer_id = ? AND video_id = ? AND status = ?
			 ORDER BY id DESC
			 LIMIT 1`,
			viewerID, video.ID, sessiondomain.StatusActive,
		).Scan(&existing).Error
		if err != nil {
			return err
		}

		if existing.ID != 0 {
			if !existing.ExpiredAt(now, policy.MaxAge, policy.InactivityTimeout) {
				if existing.PricePerChunk != price {
					return sessiondomain.ErrPriceChangedSinceApproval
				}
				res := tx.Exec(
					`UPDATE sessions
					 SET max_approved_chunks = max_approved_chunks + ?,
					     approval_count = approval_count + 1,
					     delegate_trusted = ?,
					     last_activity_at = ?,
					     updated_at = ?
					 WHERE id = ? AND status = ?`,
					chunks, delegateTrusted, now, now, existing.ID, sessiondomain.StatusActive,
				)
				if res.Error != nil {
					return res.Error
				}
				if res.RowsAffected == 0 {
					return sessiondomain.ErrSessionNotActive
				}
				reapproval = true
				return tx.Raw(`SELECT * FROM sessions WHERE id = ?`, existing.ID).Scan(&result).Error
			}

			if err := tx.Exec(
				`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
				sessiondomain.StatusExpired, now, existing.ID, sessiondomain.StatusActive,
			).Error; err != nil {
				return err
			}
		}

		result = sessiondomain.Session{
			ID:                s.genID.Generate(),
			ViewerID:          viewerID,
			VideoID:           video.ID,
			CreatorID:         video.CreatorID,
			PricePerChunk:     price,
			MaxApprovedChunks: chunks,
			DelegateTrusted:   delegateTrusted,
			Status:            sessiondomain.StatusActive,
			ApprovalCount:     1,
			CreatedAt:         now,
			LastActivityAt:    now,
			UpdatedAt:         now,
		}
		return tx.Create(&result).Error
	})
	if err != nil {
		return nil, false, err
	}
	return normalize(&result), reapproval, nil
}

func (s *Service) Get(ctx context.Context, ref string) (*sessiondomain.Session, error) {
	id, err := sessiondomain.ParseRef(ref)
	if err != nil {
		return nil, err
	}
	return s.GetByID(ctx, id)
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*sessiondomain.Session, error) {
	if id == 0 {
		return nil, sessiondomain.ErrSessionNotFound
	}
	var session sessiondomain.Session
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, sessiondomain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return normalize(&session), nil
}

func (s *Service) FindLatest(ctx context.Context, viewerID, videoID string) (*sessiondomain.Session, error) {
	viewerID = strings.TrimSpace(viewerID)
	videoID = strings.TrimSpace(videoID)
	if viewerID == "" || videoID == "" {
		return nil, sessiondomain.ErrSessionNotFound
	}

	var session sessiondomain.Session
	err := s.db.WithContext(ctx).
		Where("viewer_id = ? AND video_id = ?", viewerID, videoID).
		Order("id DESC").
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, sessiondomain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return normalize(&session), nil
}

func (s *Service) Revoke(ctx context.Context, ref, viewerID string) (*sessiondomain.Session, error) {
	session, err := s.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !session.OwnedBy(viewerID, "") {
		return nil, sessiondomain.ErrSessionNotFound
	}

	now := s.clock.Now()
	res := s.db.WithContext(ctx).Exec(
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		sessiondomain.StatusClosed, now, session.ID, sessiondomain.StatusActive,
	)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, sessiondomain.ErrSessionNotActive
	}

	session.Status = sessiondomain.StatusClosed
	session.UpdatedAt = now
	s.audit(ctx, auditdomain.ActionDelegationRevoked, session, map[string]any{
		"chunks_consumed": session.ChunksConsumed,
		"chunks_settled":  session.ChunksSettled,
	})
	return session, nil
}

// Expire flips an active session to expired. It reports false when the
// session had already left the active state.
func (s *Service) Expire(ctx context.Context, id snowflake.ID) (bool, error) {
	now := s.clock.Now()
	res := s.db.WithContext(ctx).Exec(
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		sessiondomain.StatusExpired, now, id, sessiondomain.StatusActive,
	)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	ref := id.String()
	s.audit(ctx, auditdomain.ActionSessionExpired, &sessiondomain.Session{ID: id}, map[string]any{"session_ref": ref})
	return true, nil
}

func (s *Service) ExpireInactive(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	policy := s.policy.Get().Session

	var ids []snowflake.ID
	err := s.db.WithContext(ctx).Raw(
		`SELECT id FROM sessions
		 WHERE status = ? AND (created_at < ? OR last_activity_at < ?)
		 ORDER BY id ASC
		 LIMIT ?`,
		sessiondomain.StatusActive,
		now.Add(-policy.MaxAge),
		now.Add(-policy.InactivityTimeout),
		limit,
	).Scan(&ids).Error
	if err != nil {
		return 0, fmt.Errorf("select expired sessions: %w", err)
	}

	expired := 0
	for _, id := range ids {
		ok, err := s.Expire(ctx, id)
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

func (s *Service) audit(ctx context.Context, action string, session *sessiondomain.Session, metadata map[string]any) {
	if s.auditSvc == nil || session == nil {
		return
	}
	ref := session.Ref()
	if err := s.auditSvc.AuditLog(ctx, "", nil, action, auditdomain.TargetTypeSession, &ref, metadata); err != nil {
		s.log.Warn("audit log failed", zap.String("action", action), zap.String("session_ref", ref), zap.Error(err))
	}
}

func normalize(session *sessiondomain.Session) *sessiondomain.Session {
	session.CreatedAt = session.CreatedAt.UTC()
	session.LastActivityAt = session.LastActivityAt.UTC()
	session.UpdatedAt = session.UpdatedAt.UTC()
	return session
}
