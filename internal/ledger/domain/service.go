package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Posting names an account by code and owner; the service resolves or creates it.
type Posting struct {
	Code      LedgerAccountCode
	OwnerID   string
	Direction LedgerEntryDirection
	Amount    int64
}

type Balance struct {
	Code    LedgerAccountCode `json:"account"`
	OwnerID string            `json:"owner_id"`
	Amount  int64             `json:"amount"`
	Entries int64             `json:"entries"`
}

type Service interface {
	// CreateEntryTx posts a balanced entry inside the caller's transaction.
	// A repeated (sourceType, sourceID) is a no-op.
	CreateEntryTx(ctx context.Context, tx *gorm.DB, sourceType LedgerSourceType, sourceID snowflake.ID, currency string, occurredAt time.Time, postings []Posting) (bool, error)
	Balance(ctx context.Context, code LedgerAccountCode, ownerID string) (Balance, error)
}

var (
	ErrInvalidSourceType    = errors.New("invalid_source_type")
	ErrInvalidSourceID      = errors.New("invalid_source_id")
	ErrInvalidCurrency      = errors.New("invalid_currency")
	ErrInvalidOccurredAt    = errors.New("invalid_occurred_at")
	ErrInvalidEntryLines    = errors.New("invalid_entry_lines")
	ErrInvalidAccount       = errors.New("invalid_account")
	ErrInvalidLineDirection = errors.New("invalid_line_direction")
	ErrInvalidLineAmount    = errors.New("invalid_line_amount")
	ErrUnbalancedEntry      = errors.New("unbalanced_entry")
)

// ValidateBalanced checks that debits equal credits.
func ValidateBalanced(postings []Posting) error {
	var debit, credit int64
	for _, p := range postings {
		switch p.Direction {
		case LedgerEntryDirectionDebit:
			debit += p.Amount
		case LedgerEntryDirectionCredit:
			credit += p.Amount
		default:
			return ErrInvalidLineDirection
		}
	}
	if debit != credit {
		return ErrUnbalancedEntry
	}
	return nil
}
