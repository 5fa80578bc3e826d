package domain

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
)

// Settlement is one batch payment for a session. A pending row exists only
// while the external ledger call is in flight; failed attempts delete it.
type Settlement struct {
	ID                   snowflake.ID `gorm:"primaryKey" json:"settlement_id"`
	SessionID            snowflake.ID `gorm:"not null;index" json:"session_id"`
	RequestID            string       `gorm:"size:128;not null;uniqueIndex" json:"request_id"`
	Status               Status       `gorm:"type:text;not null;index" json:"status"`
	ChunkCount           int64        `gorm:"not null" json:"chunk_count"`
	PricePerChunk        int64        `gorm:"not null" json:"price_per_chunk"`
	FeeBps               int64        `gorm:"not null" json:"fee_bps"`
	TotalPayment         int64        `gorm:"not null" json:"total_payment"`
	PlatformFee          int64        `gorm:"not null" json:"platform_fee"`
	CreatorAmount        int64        `gorm:"not null" json:"creator_amount"`
	ChunksSettledBase    int64        `gorm:"not null" json:"chunks_settled_base"`
	ChunksConsumedAfter  int64        `gorm:"not null" json:"chunks_consumed_after"`
	ChunksRemaining      int64        `gorm:"not null" json:"chunks_remaining"`
	TransactionSignature *string      `gorm:"size:128;uniqueIndex" json:"transaction_signature,omitempty"`
	Slot                 *uint64      `json:"slot,omitempty"`
	BlockTime            *int64       `json:"block_time,omitempty"`
	CreatedAt            time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	ConfirmedAt          *time.Time   `json:"confirmed_at,omitempty"`
}

func (Settlement) TableName() string { return "settlements" }

// RequestID derives the idempotency key sent to the external ledger. It only
// changes once a settlement has advanced chunks_settled, so a retried attempt
// for the same batch reuses it.
func RequestID(sessionRef string, chunksSettledBase int64) string {
	return fmt.Sprintf("%s:%d", sessionRef, chunksSettledBase)
}
