package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// LedgerEntryDirection represents debit or credit postings.
type LedgerEntryDirection string

const (
	LedgerEntryDirectionDebit  LedgerEntryDirection = "debit"
	LedgerEntryDirectionCredit LedgerEntryDirection = "credit"
)

type LedgerSourceType string

const (
	SourceTypeSettlement LedgerSourceType = "settlement"
)

type LedgerAccountCode string

const (
	// Viewer funds leaving the delegated envelope.
	AccountCodeViewerSpend LedgerAccountCode = "viewer_spend"
	// Amounts owed to creators.
	AccountCodeCreatorPayable LedgerAccountCode = "creator_payable"
	// Platform fee income.
	AccountCodePlatformRevenue LedgerAccountCode = "platform_revenue"
)

// PlatformOwner owns the platform revenue account.
const PlatformOwner = "platform"

// DefaultCurrency is the settlement token (6 decimals).
const DefaultCurrency = "USDC"

// LedgerAccount is one chart-of-accounts entry per (code, owner).
type LedgerAccount struct {
	ID        snowflake.ID      `gorm:"primaryKey"`
	Code      LedgerAccountCode `gorm:"size:64;not null;uniqueIndex:ux_ledger_accounts_code_owner,priority:1"`
	OwnerID   string            `gorm:"size:128;not null;uniqueIndex:ux_ledger_accounts_code_owner,priority:2"`
	Name      string            `gorm:"type:text;not null"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (LedgerAccount) TableName() string { return "ledger_accounts" }

// LedgerEntry captures the immutable header for a financial event.
type LedgerEntry struct {
	ID         snowflake.ID     `gorm:"primaryKey"`
	SourceType LedgerSourceType `gorm:"size:32;not null;uniqueIndex:ux_ledger_entries_source,priority:1"`
	SourceID   snowflake.ID     `gorm:"not null;uniqueIndex:ux_ledger_entries_source,priority:2"`
	Currency   string           `gorm:"type:text;not null"`
	OccurredAt time.Time        `gorm:"not null"`
	CreatedAt  time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// LedgerEntryLine is a double-entry posting line.
type LedgerEntryLine struct {
	ID            snowflake.ID         `gorm:"primaryKey"`
	LedgerEntryID snowflake.ID         `gorm:"not null;index"`
	AccountID     snowflake.ID         `gorm:"not null;index"`
	Direction     LedgerEntryDirection `gorm:"type:text;not null"`
	Currency      string               `gorm:"type:text;not null"`
	Amount        int64                `gorm:"not null"`
	CreatedAt     time.Time            `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (LedgerEntryLine) TableName() string { return "ledger_entry_lines" }
