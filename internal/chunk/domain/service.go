package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type AdmitRequest struct {
	SessionID    snowflake.ID
	SegmentIndex int64
	Timestamp    time.Time
}

// AdmissionResult is returned for both fresh admissions and replays.
type AdmissionResult struct {
	Admitted       bool
	Replay         bool
	View           ChunkView
	ChunksConsumed int64
	Unsettled      int64
}

type Service interface {
	Admit(ctx context.Context, req AdmitRequest) (AdmissionResult, error)
	UnsettledCount(ctx context.Context, sessionID snowflake.ID) (int64, error)
	List(ctx context.Context, sessionID snowflake.ID, onlyUnsettled bool) ([]ChunkView, error)
}

var (
	ErrInvalidSegment     = errors.New("invalid_segment_index")
	ErrSegmentOutOfRange  = errors.New("segment_out_of_range")
	ErrCapacityExceeded   = errors.New("capacity_exceeded")
	ErrSettlementNeeded   = errors.New("settlement_needed")
	ErrSessionUnavailable = errors.New("session_unavailable")
)
