package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	auditdomain "github.com/smallbiznis/streampay/internal/audit/domain"
	"github.com/smallbiznis/streampay/internal/chain"
	"github.com/smallbiznis/streampay/internal/clock"
	"github.com/smallbiznis/streampay/internal/config"
	ledgerdomain "github.com/smallbiznis/streampay/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/streampay/internal/observability/metrics"
	sessiondomain "github.com/smallbiznis/streampay/internal/session/domain"
	"github.com/smallbiznis/streampay/internal/settlement/calculator"
	settlementdomain "github.com/smallbiznis/streampay/internal/settlement/domain"
	"github.com/smallbiznis/streampay/internal/settlement/lock"
	"github.com/smallbiznis/streampay/pkg/db"
	"github.com/smallbiznis/streampay/pkg/db/pagination"
	"github.com/smallbiznis/streampay/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	outcomeConfirmed = "confirmed"
	outcomeRejected  = "rejected"
	outcomeTimeout   = "timeout"
	outcomeBusy      = "in_progress"
	outcomeEmpty     = "no_unsettled_chunks"
	outcomeRecovered = "recovered"
)

var errNotConfirmed = errors.New("settlement not confirmed yet")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	Policy     *config.PolicyHolder `optional:"true"`
	SessionSvc sessiondomain.Service
	LedgerSvc  ledgerdomain.Service
	Chain      chain.Client
	Lock       *lock.SessionLock
	AuditSvc   auditdomain.Service `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	chainCfg   config.ChainConfig
	policy     *config.PolicyHolder
	sessionSvc sessiondomain.Service
	ledgerSvc  ledgerdomain.Service
	chain      chain.Client
	lock       *lock.SessionLock
	auditSvc   auditdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) settlementdomain.Service {
	sessionLock := p.Lock
	if sessionLock == nil {
		sessionLock = lock.NewLocal()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("settlement.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		chainCfg:   p.Config.Chain,
		policy:     p.Policy,
		sessionSvc: p.SessionSvc,
		ledgerSvc:  p.LedgerSvc,
		chain:      p.Chain,
		lock:       sessionLock,
		auditSvc:   p.AuditSvc,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Preview(ctx context.Context, req settlementdomain.SettleRequest) (settlementdomain.Preview, error) {
	session, err := s.resolve(ctx, req)
	if err != nil {
		return settlementdomain.Preview{}, err
	}
	return s.computePreview(session)
}

func (s *Service) computePreview(session *sessiondomain.Session) (settlementdomain.Preview, error) {
	return calculator.Compute(
		session.Unsettled(),
		session.PricePerChunk,
		session.MaxApprovedChunks,
		session.ChunksConsumed,
		s.policy.Get().Settlement.PlatformFeeBps,
	)
}

// Settle runs one settlement for the session: IDLE -> SETTLING -> SETTLED,
// or back to IDLE with no local change when the external ledger fails.
func (s *Service) Settle(ctx context.Context, req settlementdomain.SettleRequest) (settlementdomain.Result, error) {
	session, err := s.resolve(ctx, req)
	if err != nil {
		return settlementdomain.Result{}, err
	}
	ref := session.Ref()
	log := s.log.With(zap.String("session_ref", ref))

	release, ok, err := s.lock.TryLock(ctx, ref)
	if err != nil {
		log.Warn("settlement lock unavailable", zap.Error(err))
		return settlementdomain.Result{}, settlementdomain.ErrSettlementInProgress
	}
	if !ok {
		s.obsMetrics.RecordSettlement(ctx, outcomeBusy, 0)
		return settlementdomain.Result{}, settlementdomain.ErrSettlementInProgress
	}
	defer release()

	recovered, err := s.reconcileLeftover(ctx, session.ID)
	if err != nil {
		return settlementdomain.Result{}, err
	}

	// Fresh snapshot under the lock.
	session, err = s.sessionSvc.GetByID(ctx, session.ID)
	if err != nil {
		return settlementdomain.Result{}, err
	}
	preview, err := s.computePreview(session)
	if err != nil {
		return settlementdomain.Result{}, err
	}
	if preview.IsZero() {
		if recovered != nil {
			return *recovered, nil
		}
		s.obsMetrics.RecordSettlement(ctx, outcomeEmpty, 0)
		return settlementdomain.Result{}, settlementdomain.ErrNoUnsettledChunks
	}

	pending, err := s.insertPending(ctx, session, preview)
	if err != nil {
		return settlementdomain.Result{}, err
	}

	batch := chain.Batch{
		RequestID:     pending.RequestID,
		SessionRef:    ref,
		ChunkCount:    pending.ChunkCount,
		TotalPayment:  pending.TotalPayment,
		PlatformFee:   pending.PlatformFee,
		CreatorAmount: pending.CreatorAmount,
		CreatorID:     session.CreatorID,
		ViewerID:      session.ViewerID,
	}
	receipt, err := s.submit(ctx, batch)
	if err != nil {
		return settlementdomain.Result{}, s.abandon(ctx, pending, err)
	}

	result, err := s.finalize(correlation.Detach(ctx), pending, session, receipt)
	if err != nil {
		log.Error("settlement finalize failed",
			zap.String("request_id", pending.RequestID),
			zap.String("signature", receipt.Signature),
			zap.Error(err),
		)
		return settlementdomain.Result{}, err
	}
	return result, nil
}

// reconcileLeftover resolves a pending row left by a crashed attempt. A
// finalized leftover is returned so an otherwise empty call can report it.
func (s *Service) reconcileLeftover(ctx context.Context, sessionID snowflake.ID) (*settlementdomain.Result, error) {
	pending, err := s.findPending(s.db.WithContext(ctx), sessionID)
	if err != nil || pending == nil {
		return nil, err
	}

	outcome, result, err := s.reconcile(ctx, pending)
	if err != nil {
		return nil, err
	}
	switch outcome {
	case settlementdomain.RecoveryFinalized:
		return result, nil
	case settlementdomain.RecoveryDiscarded:
		return nil, nil
	default:
		return nil, settlementdomain.ErrSettlementInProgress
	}
}

func (s *Service) insertPending(ctx context.Context, session *sessiondomain.Session, preview settlementdomain.Preview) (*settlementdomain.Settlement, error) {
	pending := &settlementdomain.Settlement{
		ID:                  s.genID.Generate(),
		SessionID:           session.ID,
		RequestID:           settlementdomain.RequestID(session.Ref(), session.ChunksSettled),
		Status:              settlementdomain.StatusPending,
		ChunkCount:          preview.UnsettledChunks,
		PricePerChunk:       preview.PricePerChunk,
		FeeBps:              s.policy.Get().Settlement.PlatformFeeBps,
		TotalPayment:        preview.TotalPayment,
		PlatformFee:         preview.PlatformFee,
		CreatorAmount:       preview.CreatorAmount,
		ChunksSettledBase:   session.ChunksSettled,
		ChunksConsumedAfter: session.ChunksConsumed,
		ChunksRemaining:     preview.ChunksRemaining,
		CreatedAt:           s.clock.Now(),
	}
	if err := s.db.WithContext(ctx).Create(pending).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, settlementdomain.ErrSettlementInProgress
		}
		return nil, fmt.Errorf("insert pending settlement: %w", err)
	}
	return pending, nil
}

// submit sends the batch and waits for confirmation. Transport failures are
// retried with the same request id, which the ledger dedupes.
func (s *Service) submit(ctx context.Context, batch chain.Batch) (chain.Receipt, error) {
	submitCtx, cancel := context.WithTimeout(ctx, s.submitTimeout())
	defer cancel()

	receipt, err := backoff.Retry(submitCtx, func() (chain.Receipt, error) {
		receipt, err := s.chain.SubmitSettlement(submitCtx, batch)
		if err != nil {
			if chain.IsRetryable(err) {
				return chain.Receipt{}, err
			}
			return chain.Receipt{}, backoff.Permanent(err)
		}
		return receipt, nil
	}, s.retryOptions(batch.RequestID, "submit")...)
	if err != nil {
		return chain.Receipt{}, err
	}
	if receipt.Confirmed {
		return receipt, nil
	}
	return s.awaitConfirmation(ctx, batch.RequestID)
}

func (s *Service) awaitConfirmation(ctx context.Context, requestID string) (chain.Receipt, error) {
	confirmCtx, cancel := context.WithTimeout(ctx, s.confirmTimeout())
	defer cancel()

	return backoff.Retry(confirmCtx, func() (chain.Receipt, error) {
		receipt, err := s.chain.GetStatus(confirmCtx, requestID)
		switch {
		case err == nil && receipt.Confirmed:
			return receipt, nil
		case err == nil:
			return chain.Receipt{}, errNotConfirmed
		case chain.IsRetryable(err):
			return chain.Receipt{}, err
		default:
			return chain.Receipt{}, backoff.Permanent(err)
		}
	}, backoff.WithBackOff(newBackOff()), backoff.WithMaxElapsedTime(s.confirmTimeout()))
}

func (s *Service) retryOptions(requestID, op string) []backoff.RetryOption {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(newBackOff()),
		backoff.WithMaxElapsedTime(s.submitTimeout()),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.log.Warn("ledger call failed, retrying",
				zap.String("op", op),
				zap.String("request_id", requestID),
				zap.Duration("next", next),
				zap.Error(err),
			)
		}),
	}
	if s.chainCfg.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(s.chainCfg.MaxAttempts))
	}
	return opts
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return b
}

func (s *Service) submitTimeout() time.Duration {
	if s.chainCfg.SubmitTimeout > 0 {
		return s.chainCfg.SubmitTimeout
	}
	return 30 * time.Second
}

func (s *Service) confirmTimeout() time.Duration {
	if s.chainCfg.ConfirmTimeout > 0 {
		return s.chainCfg.ConfirmTimeout
	}
	return 60 * time.Second
}

// abandon removes the pending row after a failed submission and maps the
// cause. Anything but an explicit rejection is an ambiguous timeout; the
// next attempt reuses the request id so a landed batch is picked up then.
func (s *Service) abandon(ctx context.Context, pending *settlementdomain.Settlement, cause error) error {
	cleanupCtx := correlation.Detach(ctx)
	if err := s.deletePending(s.db.WithContext(cleanupCtx), pending.ID); err != nil {
		s.log.Error("failed to discard pending settlement",
			zap.String("request_id", pending.RequestID),
			zap.Error(err),
		)
	}

	if errors.Is(cause, chain.ErrRejected) {
		s.obsMetrics.RecordSettlement(ctx, outcomeRejected, 0)
		s.log.Warn("ledger rejected settlement", zap.String("request_id", pending.RequestID), zap.Error(cause))
		return fmt.Errorf("%w: %v", settlementdomain.ErrExternalLedgerRejected, cause)
	}

	s.obsMetrics.RecordSettlement(ctx, outcomeTimeout, 0)
	s.log.Warn("ledger outcome unknown", zap.String("request_id", pending.RequestID), zap.Error(cause))
	return fmt.Errorf("%w: %v", settlementdomain.ErrExternalLedgerTimeout, cause)
}

// finalize applies a confirmed receipt exactly once: counters advance only
// from the base the pending row was computed against.
func (s *Service) finalize(
	ctx context.Context,
	pending *settlementdomain.Settlement,
	session *sessiondomain.Session,
	receipt chain.Receipt,
) (settlementdomain.Result, error) {
	applyLedgerBatch(pending, receipt)
	now := s.clock.Now()
	signature := strings.TrimSpace(receipt.Signature)
	if signature == "" {
		return settlementdomain.Result{}, fmt.Errorf("confirmed receipt for %s has no signature", pending.RequestID)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Exec(
			`UPDATE sessions
			 SET chunks_settled = chunks_settled + ?, updated_at = ?
			 WHERE id = ? AND chunks_settled = ? AND chunks_settled + ? <= chunks_consumed`,
			pending.ChunkCount, now, pending.SessionID, pending.ChunksSettledBase, pending.ChunkCount,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return settlementdomain.ErrCounterConflict
		}

		// MySQL rejects LIMIT inside an IN subquery on the updated table, so
		// the oldest unsettled views are picked first.
		var viewIDs []snowflake.ID
		if err := tx.Raw(
			`SELECT id FROM chunk_views
			 WHERE session_id = ? AND settled = ?
			 ORDER BY created_at ASC, id ASC
			 LIMIT ?`,
			pending.SessionID, false, pending.ChunkCount,
		).Scan(&viewIDs).Error; err != nil {
			return err
		}
		if int64(len(viewIDs)) != pending.ChunkCount {
			return settlementdomain.ErrCounterConflict
		}
		res = tx.Exec(
			`UPDATE chunk_views SET settled = ?, settlement_id = ? WHERE id IN ? AND settled = ?`,
			true, pending.ID, viewIDs, false,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != pending.ChunkCount {
			return settlementdomain.ErrCounterConflict
		}

		res = tx.Exec(
			`UPDATE settlements
			 SET status = ?, chunk_count = ?, total_payment = ?, platform_fee = ?, creator_amount = ?,
			     transaction_signature = ?, slot = ?, block_time = ?, confirmed_at = ?
			 WHERE id = ? AND status = ?`,
			settlementdomain.StatusConfirmed,
			pending.ChunkCount, pending.TotalPayment, pending.PlatformFee, pending.CreatorAmount,
			signature, receipt.Slot, receipt.BlockTime, now,
			pending.ID, settlementdomain.StatusPending,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return settlementdomain.ErrCounterConflict
		}

		_, err := s.ledgerSvc.CreateEntryTx(ctx, tx,
			ledgerdomain.SourceTypeSettlement,
			pending.ID,
			ledgerdomain.DefaultCurrency,
			now,
			settlementPostings(session, pending),
		)
		return err
	})
	if err != nil {
		return settlementdomain.Result{}, err
	}

	slot := receipt.Slot
	blockTime := receipt.BlockTime
	pending.Status = settlementdomain.StatusConfirmed
	pending.TransactionSignature = &signature
	pending.Slot = &slot
	pending.BlockTime = &blockTime
	pending.ConfirmedAt = &now

	s.obsMetrics.RecordSettlement(ctx, outcomeConfirmed, pending.ChunkCount)
	s.audit(ctx, session, pending)
	s.log.Info("settlement confirmed",
		zap.String("session_ref", session.Ref()),
		zap.String("request_id", pending.RequestID),
		zap.Int64("chunk_count", pending.ChunkCount),
		zap.Int64("total_payment", pending.TotalPayment),
		zap.Uint64("slot", slot),
	)

	return settlementdomain.Result{
		Settlement:           pending,
		ChunksSettled:        pending.ChunkCount,
		TransactionSignature: signature,
		Slot:                 slot,
		BlockTime:            blockTime,
	}, nil
}

// applyLedgerBatch adopts the batch the ledger actually executed. A deduped
// retry may carry fewer chunks than the current snapshot.
func applyLedgerBatch(pending *settlementdomain.Settlement, receipt chain.Receipt) {
	if receipt.ChunkCount <= 0 || receipt.ChunkCount == pending.ChunkCount {
		return
	}
	pending.ChunkCount = receipt.ChunkCount
	pending.TotalPayment = receipt.TotalPayment
	pending.PlatformFee = receipt.PlatformFee
	pending.CreatorAmount = receipt.CreatorAmount
}

func settlementPostings(session *sessiondomain.Session, settlement *settlementdomain.Settlement) []ledgerdomain.Posting {
	return []ledgerdomain.Posting{
		{
			Code:      ledgerdomain.AccountCodeViewerSpend,
			OwnerID:   session.ViewerID,
			Direction: ledgerdomain.LedgerEntryDirectionDebit,
			Amount:    settlement.TotalPayment,
		},
		{
			Code:      ledgerdomain.AccountCodeCreatorPayable,
			OwnerID:   session.CreatorID,
			Direction: ledgerdomain.LedgerEntryDirectionCredit,
			Amount:    settlement.CreatorAmount,
		},
		{
			Code:      ledgerdomain.AccountCodePlatformRevenue,
			OwnerID:   ledgerdomain.PlatformOwner,
			Direction: ledgerdomain.LedgerEntryDirectionCredit,
			Amount:    settlement.PlatformFee,
		},
	}
}

// Recover reconciles one pending settlement against the external ledger.
func (s *Service) Recover(ctx context.Context, settlementID snowflake.ID) (settlementdomain.RecoveryOutcome, error) {
	var pending settlementdomain.Settlement
	err := s.db.WithContext(ctx).Where("id = ?", settlementID).First(&pending).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return settlementdomain.RecoveryUnknown, settlementdomain.ErrSettlementNotFound
	}
	if err != nil {
		return settlementdomain.RecoveryUnknown, err
	}
	if pending.Status != settlementdomain.StatusPending {
		return settlementdomain.RecoveryFinalized, nil
	}

	ref := pending.SessionID.String()
	release, ok, err := s.lock.TryLock(ctx, ref)
	if err != nil {
		return settlementdomain.RecoveryUnknown, err
	}
	if !ok {
		return settlementdomain.RecoveryUnknown, nil
	}
	defer release()

	outcome, _, err := s.reconcile(ctx, &pending)
	return outcome, err
}

// RecoverStale sweeps pending settlements created before cutoff and returns
// how many were resolved either way.
func (s *Service) RecoverStale(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}

	var ids []snowflake.ID
	err := s.db.WithContext(ctx).Raw(
		`SELECT id FROM settlements
		 WHERE status = ? AND created_at < ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		settlementdomain.StatusPending, cutoff, limit,
	).Scan(&ids).Error
	if err != nil {
		return 0, fmt.Errorf("select stale settlements: %w", err)
	}

	resolved := 0
	var errs []error
	for _, id := range ids {
		outcome, err := s.Recover(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("recover %s: %w", id, err))
			continue
		}
		if outcome != settlementdomain.RecoveryUnknown {
			resolved++
		}
	}
	return resolved, errors.Join(errs...)
}

func (s *Service) reconcile(ctx context.Context, pending *settlementdomain.Settlement) (settlementdomain.RecoveryOutcome, *settlementdomain.Result, error) {
	log := s.log.With(zap.String("request_id", pending.RequestID))

	receipt, err := s.chain.GetStatus(ctx, pending.RequestID)
	switch {
	case errors.Is(err, chain.ErrNotFound), errors.Is(err, chain.ErrRejected):
		if err := s.deletePending(s.db.WithContext(ctx), pending.ID); err != nil {
			return settlementdomain.RecoveryUnknown, nil, err
		}
		log.Info("discarded pending settlement unknown to ledger", zap.Error(err))
		return settlementdomain.RecoveryDiscarded, nil, nil
	case err != nil:
		log.Warn("ledger status unavailable", zap.Error(err))
		return settlementdomain.RecoveryUnknown, nil, nil
	case !receipt.Confirmed:
		return settlementdomain.RecoveryUnknown, nil, nil
	}

	session, err := s.sessionSvc.GetByID(ctx, pending.SessionID)
	if err != nil {
		return settlementdomain.RecoveryUnknown, nil, err
	}
	result, err := s.finalize(correlation.Detach(ctx), pending, session, receipt)
	if err != nil {
		return settlementdomain.RecoveryUnknown, nil, err
	}
	s.obsMetrics.RecordSettlement(ctx, outcomeRecovered, result.ChunksSettled)
	log.Info("recovered pending settlement", zap.Int64("chunk_count", result.ChunksSettled))
	return settlementdomain.RecoveryFinalized, &result, nil
}

func (s *Service) findPending(tx *gorm.DB, sessionID snowflake.ID) (*settlementdomain.Settlement, error) {
	var pending settlementdomain.Settlement
	err := tx.Where("session_id = ? AND status = ?", sessionID, settlementdomain.StatusPending).First(&pending).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pending, nil
}

func (s *Service) deletePending(tx *gorm.DB, id snowflake.ID) error {
	return tx.Exec(`DELETE FROM settlements WHERE id = ? AND status = ?`, id, settlementdomain.StatusPending).Error
}

func (s *Service) resolve(ctx context.Context, req settlementdomain.SettleRequest) (*sessiondomain.Session, error) {
	session, err := s.sessionSvc.Get(ctx, req.SessionRef)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.ViewerID) == "" || !session.OwnedBy(req.ViewerID, req.VideoID) {
		return nil, sessiondomain.ErrSessionNotFound
	}
	return session, nil
}

func (s *Service) GetBySignature(ctx context.Context, signature string) (*settlementdomain.Settlement, error) {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return nil, settlementdomain.ErrSettlementNotFound
	}
	var settlement settlementdomain.Settlement
	err := s.db.WithContext(ctx).
		Where("transaction_signature = ? AND status = ?", signature, settlementdomain.StatusConfirmed).
		First(&settlement).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, settlementdomain.ErrSettlementNotFound
	}
	if err != nil {
		return nil, err
	}
	return normalize(&settlement), nil
}

func (s *Service) ListBySession(ctx context.Context, req settlementdomain.ListSettlementsRequest) (settlementdomain.ListSettlementsResponse, error) {
	sessionID, err := sessiondomain.ParseRef(req.SessionRef)
	if err != nil {
		return settlementdomain.ListSettlementsResponse{}, err
	}

	stmt := s.db.WithContext(ctx).Where("session_id = ? AND status = ?", sessionID, settlementdomain.StatusConfirmed)
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return settlementdomain.ListSettlementsResponse{}, settlementdomain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
		if err != nil {
			return settlementdomain.ListSettlementsResponse{}, settlementdomain.ErrInvalidPageToken
		}
		cursorID, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || cursorID == 0 {
			return settlementdomain.ListSettlementsResponse{}, settlementdomain.ErrInvalidPageToken
		}
		stmt = stmt.Where("(created_at < ? OR (created_at = ? AND id < ?))", createdAt, createdAt, cursorID)
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 250 {
		pageSize = 250
	}

	var items []*settlementdomain.Settlement
	if err := stmt.Order("created_at DESC, id DESC").Limit(pageSize + 1).Find(&items).Error; err != nil {
		return settlementdomain.ListSettlementsResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, int32(pageSize), func(item *settlementdomain.Settlement) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if len(items) > pageSize {
		items = items[:pageSize]
	}

	settlements := make([]settlementdomain.Settlement, 0, len(items))
	for _, item := range items {
		settlements = append(settlements, *normalize(item))
	}
	return settlementdomain.ListSettlementsResponse{PageInfo: *pageInfo, Settlements: settlements}, nil
}

func (s *Service) audit(ctx context.Context, session *sessiondomain.Session, settlement *settlementdomain.Settlement) {
	if s.auditSvc == nil {
		return
	}
	ref := session.Ref()
	err := s.auditSvc.AuditLog(ctx, "", nil, auditdomain.ActionSessionSettled, auditdomain.TargetTypeSession, &ref, map[string]any{
		"settlement_id":         settlement.ID.String(),
		"request_id":            settlement.RequestID,
		"chunk_count":           settlement.ChunkCount,
		"total_payment":         settlement.TotalPayment,
		"platform_fee":          settlement.PlatformFee,
		"creator_amount":        settlement.CreatorAmount,
		"transaction_signature": *settlement.TransactionSignature,
	})
	if err != nil {
		s.log.Warn("audit log failed", zap.String("session_ref", ref), zap.Error(err))
	}
}

func normalize(settlement *settlementdomain.Settlement) *settlementdomain.Settlement {
	settlement.CreatedAt = settlement.CreatedAt.UTC()
	if settlement.ConfirmedAt != nil {
		confirmed := settlement.ConfirmedAt.UTC()
		settlement.ConfirmedAt = &confirmed
	}
	return settlement
}
