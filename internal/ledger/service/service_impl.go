package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	ledgerdomain "github.com/smallbiznis/streampay/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/streampay/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) CreateEntryTx(
	ctx context.Context,
	tx *gorm.DB,
	sourceType ledgerdomain.LedgerSourceType,
	sourceID snowflake.ID,
	currency string,
	occurredAt time.Time,
	postings []ledgerdomain.Posting,
) (bool, error) {
	if tx == nil {
		tx = s.db
	}
	if strings.TrimSpace(string(sourceType)) == "" {
		return false, ledgerdomain.ErrInvalidSourceType
	}
	if sourceID == 0 {
		return false, ledgerdomain.ErrInvalidSourceID
	}
	currency = strings.TrimSpace(currency)
	if currency == "" {
		return false, ledgerdomain.ErrInvalidCurrency
	}
	if occurredAt.IsZero() {
		return false, ledgerdomain.ErrInvalidOccurredAt
	}
	if len(postings) < 2 {
		return false, ledgerdomain.ErrInvalidEntryLines
	}

	normalized := make([]ledgerdomain.Posting, 0, len(postings))
	for _, p := range postings {
		if p.Code == "" || strings.TrimSpace(p.OwnerID) == "" {
			return false, ledgerdomain.ErrInvalidAccount
		}
		direction, err := normalizeDirection(p.Direction)
		if err != nil {
			return false, err
		}
		if p.Amount < 0 {
			return false, ledgerdomain.ErrInvalidLineAmount
		}
		// Zero lines (e.g. a zero platform fee) carry no information.
		if p.Amount == 0 {
			continue
		}
		normalized = append(normalized, ledgerdomain.Posting{
			Code:      p.Code,
			OwnerID:   strings.TrimSpace(p.OwnerID),
			Direction: direction,
			Amount:    p.Amount,
		})
	}
	if len(normalized) < 2 {
		return false, ledgerdomain.ErrInvalidEntryLines
	}
	if err := ledgerdomain.ValidateBalanced(normalized); err != nil {
		return false, err
	}

	entryID := s.genID.Generate()
	now := time.Now().UTC()
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source_type"}, {Name: "source_id"}},
			DoNothing: true,
		}).
		Create(&ledgerdomain.LedgerEntry{
			ID:         entryID,
			SourceType: sourceType,
			SourceID:   sourceID,
			Currency:   currency,
			OccurredAt: occurredAt.UTC(),
			CreatedAt:  now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	for _, p := range normalized {
		accountID, err := s.ensureAccount(ctx, tx, p.Code, p.OwnerID)
		if err != nil {
			return false, err
		}
		if err := tx.WithContext(ctx).Exec(
			`INSERT INTO ledger_entry_lines (
				id, ledger_entry_id, account_id, direction, currency, amount, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			s.genID.Generate(),
			entryID,
			accountID,
			string(p.Direction),
			currency,
			p.Amount,
			now,
		).Error; err != nil {
			return false, err
		}
	}

	s.obsMetrics.RecordLedgerEntry(ctx, string(sourceType))
	s.log.Debug("ledger entry posted",
		zap.String("source_type", string(sourceType)),
		zap.String("source_id", sourceID.String()),
		zap.String("ledger_entry_id", entryID.String()),
	)
	return true, nil
}

func (s *Service) Balance(ctx context.Context, code ledgerdomain.LedgerAccountCode, ownerID string) (ledgerdomain.Balance, error) {
	ownerID = strings.TrimSpace(ownerID)
	if code == "" || ownerID == "" {
		return ledgerdomain.Balance{}, ledgerdomain.ErrInvalidAccount
	}

	var row struct {
		Debits  int64
		Credits int64
		Entries int64
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT
			COALESCE(SUM(CASE WHEN l.direction = 'debit' THEN l.amount ELSE 0 END), 0) AS debits,
			COALESCE(SUM(CASE WHEN l.direction = 'credit' THEN l.amount ELSE 0 END), 0) AS credits,
			COUNT(DISTINCT l.ledger_entry_id) AS entries
		 FROM ledger_entry_lines l
		 JOIN ledger_accounts a ON a.id = l.account_id
		 WHERE a.code = ? AND a.owner_id = ?`,
		string(code),
		ownerID,
	).Scan(&row).Error
	if err != nil {
		return ledgerdomain.Balance{}, err
	}

	amount := row.Credits - row.Debits
	if code == ledgerdomain.AccountCodeViewerSpend {
		amount = row.Debits - row.Credits
	}
	return ledgerdomain.Balance{
		Code:    code,
		OwnerID: ownerID,
		Amount:  amount,
		Entries: row.Entries,
	}, nil
}

func (s *Service) ensureAccount(ctx context.Context, tx *gorm.DB, code ledgerdomain.LedgerAccountCode, ownerID string) (snowflake.ID, error) {
	if err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "code"}, {Name: "owner_id"}},
			DoNothing: true,
		}).
		Create(&ledgerdomain.LedgerAccount{
			ID:        s.genID.Generate(),
			Code:      code,
			OwnerID:   ownerID,
			Name:      string(code) + ":" + ownerID,
			CreatedAt: time.Now().UTC(),
		}).Error; err != nil {
		return 0, err
	}

	var account ledgerdomain.LedgerAccount
	err := tx.WithContext(ctx).Raw(
		`SELECT id, code, owner_id, name, created_at
		 FROM ledger_accounts
		 WHERE code = ? AND owner_id = ?`,
		string(code),
		ownerID,
	).Scan(&account).Error
	if err != nil {
		return 0, err
	}
	if account.ID == 0 {
		return 0, errors.New("ledger account missing after upsert")
	}
	return account.ID, nil
}

func normalizeDirection(direction ledgerdomain.LedgerEntryDirection) (ledgerdomain.LedgerEntryDirection, error) {
	normalized := strings.ToLower(strings.TrimSpace(string(direction)))
	switch normalized {
	case string(ledgerdomain.LedgerEntryDirectionDebit):
		return ledgerdomain.LedgerEntryDirectionDebit, nil
	case string(ledgerdomain.LedgerEntryDirectionCredit):
		return ledgerdomain.LedgerEntryDirectionCredit, nil
	default:
		return "", ledgerdomain.ErrInvalidLineDirection
	}
}
