package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

type CreateRequest struct {
	ViewerID          string `json:"viewer_pubkey"`
	VideoID           string `json:"video_id"`
	MaxApprovedChunks int64  `json:"max_approved_chunks"`
	PricePerChunk     int64  `json:"price_per_chunk"`
	DelegateTrusted   bool   `json:"delegate_trusted"`
}

type Service interface {
	// Create approves a new session or extends the cap of the viewer's active one.
	Create(ctx context.Context, req CreateRequest) (*Session, error)
	Get(ctx context.Context, ref string) (*Session, error)
	GetByID(ctx context.Context, id snowflake.ID) (*Session, error)
	FindLatest(ctx context.Context, viewerID, videoID string) (*Session, error)
	Revoke(ctx context.Context, ref, viewerID string) (*Session, error)
	Expire(ctx context.Context, id snowflake.ID) (bool, error)
	ExpireInactive(ctx context.Context, now time.Time, limit int) (int, error)
}

var (
	ErrSessionNotFound           = errors.New("session_not_found")
	ErrSessionNotActive          = errors.New("session_not_active")
	ErrInvalidViewer             = errors.New("invalid_viewer")
	ErrInvalidVideo              = errors.New("invalid_video")
	ErrInvalidMaxChunks          = errors.New("invalid_max_approved_chunks")
	ErrMaxChunksPerApproval      = errors.New("max_chunks_per_approval_exceeded")
	ErrPriceTooLow               = errors.New("price_too_low")
	ErrPriceMismatch             = errors.New("price_mismatch")
	ErrPriceChangedSinceApproval = errors.New("price_changed_since_approval")
)

// ParseRef decodes an opaque session reference.
func ParseRef(ref string) (snowflake.ID, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return 0, ErrSessionNotFound
	}
	id, err := snowflake.ParseString(ref)
	if err != nil || id <= 0 {
		return 0, ErrSessionNotFound
	}
	return id, nil
}
