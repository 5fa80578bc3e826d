package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/streampay/pkg/db/pagination"
)

// Preview is the computed payment split for a session's unsettled chunks.
type Preview struct {
	UnsettledChunks int64 `json:"unsettledChunks"`
	PricePerChunk   int64 `json:"pricePerChunk"`
	TotalPayment    int64 `json:"totalPayment"`
	PlatformFee     int64 `json:"platformFee"`
	CreatorAmount   int64 `json:"creatorAmount"`
	ChunksRemaining int64 `json:"chunksRemaining"`
}

func (p Preview) IsZero() bool { return p.UnsettledChunks == 0 }

type SettleRequest struct {
	SessionRef string
	VideoID    string
	ViewerID   string
}

type Result struct {
	Settlement           *Settlement
	ChunksSettled        int64
	TransactionSignature string
	Slot                 uint64
	BlockTime            int64
}

type ListSettlementsRequest struct {
	pagination.Pagination
	SessionRef string
}

type ListSettlementsResponse struct {
	pagination.PageInfo
	Settlements []Settlement `json:"settlements"`
}

// RecoveryOutcome summarizes one reconciliation of a pending settlement.
type RecoveryOutcome string

const (
	RecoveryFinalized RecoveryOutcome = "finalized"
	RecoveryDiscarded RecoveryOutcome = "discarded"
	RecoveryUnknown   RecoveryOutcome = "unknown"
)

type Service interface {
	Preview(ctx context.Context, req SettleRequest) (Preview, error)
	Settle(ctx context.Context, req SettleRequest) (Result, error)
	Recover(ctx context.Context, settlementID snowflake.ID) (RecoveryOutcome, error)
	RecoverStale(ctx context.Context, cutoff time.Time, limit int) (int, error)
	GetBySignature(ctx context.Context, signature string) (*Settlement, error)
	ListBySession(ctx context.Context, req ListSettlementsRequest) (ListSettlementsResponse, error)
}

var (
	ErrNoUnsettledChunks      = errors.New("no_unsettled_chunks")
	ErrSettlementInProgress   = errors.New("settlement_in_progress")
	ErrExternalLedgerRejected = errors.New("external_ledger_rejected")
	ErrExternalLedgerTimeout  = errors.New("external_ledger_timeout")
	ErrSettlementNotFound     = errors.New("settlement_not_found")
	ErrCounterConflict        = errors.New("settlement_counter_conflict")
	ErrInvalidPageToken       = errors.New("invalid_page_token")
)
