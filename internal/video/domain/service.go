package domain

import (
	"context"
	"errors"
)

const (
	MaxVideoIDLength = 64
	MaxTitleLength   = 200
	MaxTotalChunks   = 10_000
)

type UpsertRequest struct {
	VideoID       string `json:"video_id"`
	CreatorID     string `json:"creator_id"`
	Title         string `json:"title"`
	PricePerChunk int64  `json:"price_per_chunk"`
	TotalChunks   int64  `json:"total_chunks"`
	// IsActive nil keeps the current state; new videos start active.
	IsActive      *bool  `json:"is_active,omitempty"`
}

type Service interface {
	Upsert(ctx context.Context, req UpsertRequest) (*Video, error)
	Get(ctx context.Context, videoID string) (*Video, error)
}

var (
	ErrVideoNotFound     = errors.New("video_not_found")
	ErrInvalidVideoID    = errors.New("invalid_video_id")
	ErrInvalidCreator    = errors.New("invalid_creator")
	ErrInvalidTitle      = errors.New("invalid_title")
	ErrInvalidPrice      = errors.New("invalid_price_per_chunk")
	ErrInvalidChunkTotal = errors.New("invalid_total_chunks")
	ErrVideoNotActive    = errors.New("video_not_active")
)
