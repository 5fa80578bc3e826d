package service

import (
	"context"
	"errors"
	"strings"

	"github.com/gosimple/slug"
	auditdomain "github.com/smallbiznis/streampay/internal/audit/domain"
	"github.com/smallbiznis/streampay/internal/clock"
	"github.com/smallbiznis/streampay/internal/config"
	videodomain "github.com/smallbiznis/streampay/internal/video/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Policy   *config.PolicyHolder `optional:"true"`
	AuditSvc auditdomain.Service  `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	policy   *config.PolicyHolder
	auditSvc auditdomain.Service
}

func NewService(p Params) videodomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("video.service"),
		clock:    p.Clock,
		policy:   p.Policy,
		auditSvc: p.AuditSvc,
	}
}

func (s *Service) Upsert(ctx context.Context, req videodomain.UpsertRequest) (*videodomain.Video, error) {
	videoID := strings.TrimSpace(req.VideoID)
	if videoID == "" || len(videoID) > videodomain.MaxVideoIDLength {
		return nil, videodomain.ErrInvalidVideoID
	}
	creatorID := strings.TrimSpace(req.CreatorID)
	if creatorID == "" {
		return nil, videodomain.ErrInvalidCreator
	}
	title := strings.TrimSpace(req.Title)
	if title == "" || len(title) > videodomain.MaxTitleLength {
		return nil, videodomain.ErrInvalidTitle
	}
	if req.PricePerChunk < s.policy.Get().Session.MinPricePerChunk {
		return nil, videodomain.ErrInvalidPrice
	}
	if req.TotalChunks <= 0 || req.TotalChunks > videodomain.MaxTotalChunks {
		return nil, videodomain.ErrInvalidChunkTotal
	}

	active := true
	existing, err := s.Get(ctx, videoID)
	switch {
	case err == nil:
		active = existing.IsActive
	case !errors.Is(err, videodomain.ErrVideoNotFound):
		return nil, err
	}
	if req.IsActive != nil {
		active = *req.IsActive
	}

	now := s.clock.Now()
	video := &videodomain.Video{
		ID:            videoID,
		CreatorID:     creatorID,
		Title:         title,
		Slug:          slug.Make(title),
		PricePerChunk: req.PricePerChunk,
		TotalChunks:   req.TotalChunks,
		IsActive:      active,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	// Existing sessions keep the price they were approved at; only new
	// approvals see the updated price. Deactivation stops approvals and
	// admissions but never settlement of what was already watched.
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"creator_id", "title", "slug", "price_per_chunk", "total_chunks", "is_active", "updated_at"}),
	}).Create(video).Error
	if err != nil {
		return nil, err
	}

	if s.auditSvc != nil {
		targetID := videoID
		_ = s.auditSvc.AuditLog(ctx, string(auditdomain.ActorTypeSystem), nil, auditdomain.ActionVideoPriced, "video", &targetID, map[string]any{
			"price_per_chunk": req.PricePerChunk,
			"total_chunks":    req.TotalChunks,
			"is_active":       active,
		})
	}

	return s.Get(ctx, videoID)
}

func (s *Service) Get(ctx context.Context, videoID string) (*videodomain.Video, error) {
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return nil, videodomain.ErrInvalidVideoID
	}

	var video videodomain.Video
	err := s.db.WithContext(ctx).Where("id = ?", videoID).First(&video).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, videodomain.ErrVideoNotFound
	}
	if err != nil {
		return nil, err
	}
	video.CreatedAt = video.CreatedAt.UTC()
	video.UpdatedAt = video.UpdatedAt.UTC()
	return &video, nil
}

