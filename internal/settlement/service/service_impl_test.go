package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/streampay/internal/chain"
	chunkdomain "github.com/smallbiznis/streampay/internal/chunk/domain"
	chunkservice "github.com/smallbiznis/streampay/internal/chunk/service"
	"github.com/smallbiznis/streampay/internal/clock"
	"github.com/smallbiznis/streampay/internal/config"
	ledgerdomain "github.com/smallbiznis/streampay/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/streampay/internal/ledger/service"
	sessiondomain "github.com/smallbiznis/streampay/internal/session/domain"
	sessionservice "github.com/smallbiznis/streampay/internal/session/service"
	settlementdomain "github.com/smallbiznis/streampay/internal/settlement/domain"
	"github.com/smallbiznis/streampay/internal/settlement/lock"
	"github.com/smallbiznis/streampay/internal/testutil"
	videodomain "github.com/smallbiznis/streampay/internal/video/domain"
	videoservice "github.com/smallbiznis/streampay/internal/video/service"
	"github.com/smallbiznis/streampay/pkg/db/pagination"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testViewer  = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
	testVideo   = "vid-rust-101"
	testCreator = "creator-1"
)

type mockChain struct {
	mock.Mock
}

func (m *mockChain) SubmitSettlement(ctx context.Context, batch chain.Batch) (chain.Receipt, error) {
	args := m.Called(ctx, batch)
	return args.Get(0).(chain.Receipt), args.Error(1)
}

func (m *mockChain) GetStatus(ctx context.Context, requestID string) (chain.Receipt, error) {
	args := m.Called(ctx, requestID)
	return args.Get(0).(chain.Receipt), args.Error(1)
}

// lostReplyChain lands the first batch on the ledger but reports a timeout.
type lostReplyChain struct {
	*chain.Simulated
	mu      sync.Mutex
	dropped bool
}

func (c *lostReplyChain) SubmitSettlement(ctx context.Context, batch chain.Batch) (chain.Receipt, error) {
	receipt, err := c.Simulated.SubmitSettlement(ctx, batch)
	if err != nil {
		return receipt, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dropped {
		c.dropped = true
		return chain.Receipt{}, chain.ErrTimeout
	}
	return receipt, nil
}

// gatedChain blocks submissions until the gate is opened.
type gatedChain struct {
	*chain.Simulated
	entered chan struct{}
	gate    chan struct{}
}

func (c *gatedChain) SubmitSettlement(ctx context.Context, batch chain.Batch) (chain.Receipt, error) {
	c.entered <- struct{}{}
	<-c.gate
	return c.Simulated.SubmitSettlement(ctx, batch)
}

type fixture struct {
	svc      settlementdomain.Service
	db       *gorm.DB
	clock    *clock.FakeClock
	sessions sessiondomain.Service
	chunks   chunkdomain.Service
	ledger   ledgerdomain.Service
	sim      *chain.Simulated
}

func setup(t *testing.T, wrap func(*chain.Simulated) chain.Client) fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	node := testutil.Node(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	videoSvc := videoservice.NewService(videoservice.Params{DB: db, Log: log, Clock: clk})
	_, err := videoSvc.Upsert(context.Background(), videodomain.UpsertRequest{
		VideoID:       testVideo,
		CreatorID:     testCreator,
		Title:         "Rust 101",
		PricePerChunk: 1_000_000,
		TotalChunks:   600,
	})
	require.NoError(t, err)

	sessionSvc := sessionservice.NewService(sessionservice.Params{DB: db, Log: log, GenID: node, Clock: clk, VideoSvc: videoSvc})
	chunkSvc := chunkservice.NewService(chunkservice.Params{DB: db, Log: log, GenID: node, Clock: clk, SessionSvc: sessionSvc})
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: log, GenID: node})

	sim := chain.NewSimulated(clk, 0)
	var client chain.Client = sim
	if wrap != nil {
		client = wrap(sim)
	}

	svc := NewService(Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: clk,
		Config: config.Config{Chain: config.ChainConfig{
			SubmitTimeout:  2 * time.Second,
			ConfirmTimeout: 2 * time.Second,
			MaxAttempts:    1,
		}},
		SessionSvc: sessionSvc,
		LedgerSvc:  ledgerSvc,
		Chain:      client,
		Lock:       lock.NewLocal(),
	})

	return fixture{
		svc:      svc,
		db:       db,
		clock:    clk,
		sessions: sessionSvc,
		chunks:   chunkSvc,
		ledger:   ledgerSvc,
		sim:      sim,
	}
}

func (f fixture) approve(t *testing.T, chunks int64) *sessiondomain.Session {
	t.Helper()
	session, err := f.sessions.Create(context.Background(), sessiondomain.CreateRequest{
		ViewerID:          testViewer,
		VideoID:           testVideo,
		MaxApprovedChunks: chunks,
	})
	require.NoError(t, err)
	return session
}

func (f fixture) watch(t *testing.T, session *sessiondomain.Session, segments ...int64) {
	t.Helper()
	for _, segment := range segments {
		_, err := f.chunks.Admit(context.Background(), chunkdomain.AdmitRequest{SessionID: session.ID, SegmentIndex: segment})
		require.NoError(t, err)
	}
}

func (f fixture) session(t *testing.T, id snowflake.ID) *sessiondomain.Session {
	t.Helper()
	session, err := f.sessions.GetByID(context.Background(), id)
	require.NoError(t, err)
	return session
}

func paginationOf(size int, token string) pagination.Pagination {
	return pagination.Pagination{PageSize: size, PageToken: token}
}

func request(session *sessiondomain.Session) settlementdomain.SettleRequest {
	return settlementdomain.SettleRequest{SessionRef: session.Ref(), VideoID: testVideo, ViewerID: testViewer}
}

func TestPreviewAndSettle(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	session := f.approve(t, 10)
	f.watch(t, session, 0, 1, 2, 3, 4)

	preview, err := f.svc.Preview(ctx, request(session))
	require.NoError(t, err)
	require.Equal(t, settlementdomain.Preview{
		UnsettledChunks: 5,
		PricePerChunk:   1_000_000,
		TotalPayment:    5_000_000,
		PlatformFee:     250_000,
		CreatorAmount:   4_750_000,
		ChunksRemaining: 5,
	}, preview)

	result, err := f.svc.Settle(ctx, request(session))
	require.NoError(t, err)
	require.Equal(t, int64(5), result.ChunksSettled)
	require.NotEmpty(t, result.TransactionSignature)
	require.Equal(t, settlementdomain.StatusConfirmed, result.Settlement.Status)
	require.Equal(t, int64(5_000_000), result.Settlement.TotalPayment)

	after := f.session(t, session.ID)
	require.Equal(t, int64(5), after.ChunksSettled)
	require.Equal(t, int64(5), after.ChunksConsumed)

	unsettled, err := f.chunks.List(ctx, session.ID, true)
	require.NoError(t, err)
	require.Empty(t, unsettled)

	stored, err := f.svc.GetBySignature(ctx, result.TransactionSignature)
	require.NoError(t, err)
	require.Equal(t, result.Settlement.ID, stored.ID)
	require.Equal(t, int64(5), stored.ChunkCount)

	preview, err = f.svc.Preview(ctx, request(session))
	require.NoError(t, err)
	require.True(t, preview.IsZero())
	require.Zero(t, preview.TotalPayment)
}

func TestSettlePostsBalancedLedgerEntry(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	session := f.approve(t, 10)
	f.watch(t, session, 0, 1, 2, 3, 4)

	_, err := f.svc.Settle(ctx, request(session))
	require.NoError(t, err)

	spend, err := f.ledger.Balance(ctx, ledgerdomain.AccountCodeViewerSpend, testViewer)
	require.NoError(t, err)
	require.Equal(t, int64(5_000_000), spend.Amount)

	payable, err := f.ledger.Balance(ctx, ledgerdomain.AccountCodeCreatorPayable, testCreator)
	require.NoError(t, err)
	require.Equal(t, int64(4_750_000), payable.Amount)

	revenue, err := f.ledger.Balance(ctx, ledgerdomain.AccountCodePlatformRevenue, ledgerdomain.PlatformOwner)
	require.NoError(t, err)
	require.Equal(t, int64(250_000), revenue.Amount)
}

func TestSettleWithNothingUnsettled(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	session := f.approve(t, 10)

	_, err := f.svc.Settle(ctx, request(session))
	require.ErrorIs(t, err, settlementdomain.ErrNoUnsettledChunks)

	f.watch(t, session, 0, 1)
	_, err = f.svc.Settle(ctx, request(session))
	require.NoError(t, err)

	_, err = f.svc.Settle(ctx, request(session))
	require.ErrorIs(t, err, settlementdomain.ErrNoUnsettledChunks)
	require.Equal(t, 1, f.sim.Submissions())
}

func TestSettleRequiresOwner(t *testing.T) {
	f := setup(t, nil)
	session := f.approve(t, 10)
	f.watch(t, session, 0)

	req := request(session)
	req.ViewerID = "someone-else"
	_, err := f.svc.Settle(context.Background(), req)
	require.ErrorIs(t, err, sessiondomain.ErrSessionNotFound)

	req = request(session)
	req.VideoID = "other-video"
	_, err = f.svc.Preview(context.Background(), req)
	require.ErrorIs(t, err, sessiondomain.ErrSessionNotFound)
}

func TestSettleRejectedLeavesCountersUntouched(t *testing.T) {
	ledger := &mockChain{}
	f := setup(t, func(*chain.Simulated) chain.Client { return ledger })
	ctx := context.Background()
	session := f.approve(t, 10)
	f.watch(t, session, 0, 1, 2)

	ledger.On("SubmitSettlement", mock.Anything, mock.MatchedBy(func(batch chain.Batch) bool {
		return batch.RequestID == session.Ref()+":0" && batch.ChunkCount == 3 && batch.TotalPayment == 3_000_000
	})).Return(chain.Receipt{}, fmt.Errorf("%w: insufficient delegated balance", chain.ErrRejected)).Once()

	_, err := f.svc.Settle(ctx, request(session))
	require.ErrorIs(t, err, settlementdomain.ErrExternalLedgerRejected)
	ledger.AssertExpectations(t)
	ledger.AssertNotCalled(t, "GetStatus", mock.Anything, mock.Anything)

	after := f.session(t, session.ID)
	require.Equal(t, int64(0), after.ChunksSettled)
	require.Equal(t, int64(3), after.Unsettled())

	var rows int64
	require.NoError(t, f.db.Model(&settlementdomain.Settlement{}).Count(&rows).Error)
	require.Zero(t, rows)
}

func TestSettleAfterLostReplyReusesRequestID(t *testing.T) {
	var flaky *lostReplyChain
	f := setup(t, func(sim *chain.Simulated) chain.Client {
		flaky = &lostReplyChain{Simulated: sim}
		return flaky
	})
	ctx := context.Background()
	session := f.approve(t, 10)
	f.watch(t, session, 0, 1, 2)

	_, err := f.svc.Settle(ctx, request(session))
	require.ErrorIs(t, err, settlementdomain.ErrExternalLedgerTimeout)
	require.Equal(t, int64(0), f.session(t, session.ID).ChunksSettled)

	result, err := f.svc.Settle(ctx, request(session))
	require.NoError(t, err)
	require.Equal(t, int64(3), result.ChunksSettled)
	require.Equal(t, 1, f.sim.Submissions())
	require.Equal(t, int64(3), f.session(t, session.ID).ChunksSettled)
}

func TestSettleAfterLostReplyAdoptsSmallerLedgerBatch(t *testing.T) {
	f := setup(t, func(sim *chain.Simulated) chain.Client {
		return &lostReplyChain{Simulated: sim}
	})
	ctx := context.Background()
	session := f.approve(t, 10)
	f.watch(t, session, 0, 1, 2)

	_, err := f.svc.Settle(ctx, request(session))
	require.ErrorIs(t, err, settlementdomain.ErrExternalLedgerTimeout)

	// the viewer keeps watching before the retry lands
	f.watch(t, session, 3, 4)

	// the retry reuses request id <ref>:0 and the ledger answers with the
	// three-chunk batch it already executed
	first, err := f.svc.Settle(ctx, request(session))
	require.NoError(t, err)
	require.Equal(t, int64(3), first.ChunksSettled)
	require.Equal(t, int64(3_000_000), first.Settlement.TotalPayment)
	require.Equal(t, int64(150_000), first.Settlement.PlatformFee)
	require.Equal(t, int64(3), f.session(t, session.ID).ChunksSettled)

	second, err := f.svc.Settle(ctx, request(session))
	require.NoError(t, err)
	require.Equal(t, int64(2), second.ChunksSettled)
	require.NotEqual(t, first.TransactionSignature, second.TransactionSignature)

	after := f.session(t, session.ID)
	require.Equal(t, int64(5), after.ChunksSettled)
	require.Zero(t, after.Unsettled())
	require.Equal(t, 2, f.sim.Submissions())

	var unsettledViews int64
	require.NoError(t, f.db.Model(&chunkdomain.ChunkView{}).Where("settled = ?", false).Count(&unsettledViews).Error)
	require.Zero(t, unsettledViews)

	spend, err := f.ledger.Balance(ctx, ledgerdomain.AccountCodeViewerSpend, testViewer)
	require.NoError(t, err)
	require.Equal(t, int64(5_000_000), spend.Amount)
	require.EqualValues(t, 2, spend.Entries)
}

func TestConcurrentSettleIsSerialized(t *testing.T) {
	var gated *gatedChain
	f := setup(t, func(sim *chain.Simulated) chain.Client {
		gated = &gatedChain{Simulated: sim, entered: make(chan struct{}, 1), gate: make(chan struct{})}
		return gated
	})
	ctx := context.Background()
	session := f.approve(t, 10)
	f.watch(t, session, 0, 1, 2, 3, 4)

	type outcome struct {
		result settlementdomain.Result
		err    error
	}
	first := make(chan outcome, 1)
	go func() {
		result, err := f.svc.Settle(ctx, request(session))
		first <- outcome{result, err}
	}()

	<-gated.entered
	_, err := f.svc.Settle(ctx, request(session))
	require.ErrorIs(t, err, settlementdomain.ErrSettlementInProgress)

	close(gated.gate)
	got := <-first
	require.NoError(t, got.err)
	require.Equal(t, int64(5), got.result.ChunksSettled)
	require.Equal(t, int64(5), f.session(t, session.ID).ChunksSettled)
}

func TestRecoverStaleFinalizesLandedBatch(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	session := f.approve(t, 10)
	f.watch(t, session, 0, 1, 2, 3)

	pending := f.seedPending(t, session, 4)
	_, err := f.sim.SubmitSettlement(ctx, chain.Batch{
		RequestID:     pending.RequestID,
		SessionRef:    session.Ref(),
		ChunkCount:    4,
		TotalPayment:  4_000_000,
		PlatformFee:   200_000,
		CreatorAmount: 3_800_000,
	})
	require.NoError(t, err)

	resolved, err := f.svc.RecoverStale(ctx, f.clock.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Equal(t, 1, resolved)

	after := f.session(t, session.ID)
	require.Equal(t, int64(4), after.ChunksSettled)

	var stored settlementdomain.Settlement
	require.NoError(t, f.db.Where("id = ?", pending.ID).First(&stored).Error)
	require.Equal(t, settlementdomain.StatusConfirmed, stored.Status)
	require.NotNil(t, stored.TransactionSignature)
}

func TestRecoverDiscardsBatchUnknownToLedger(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	session := f.approve(t, 10)
	f.watch(t, session, 0, 1)

	pending := f.seedPending(t, session, 2)
	outcome, err := f.svc.Recover(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, settlementdomain.RecoveryDiscarded, outcome)

	var rows int64
	require.NoError(t, f.db.Model(&settlementdomain.Settlement{}).Count(&rows).Error)
	require.Zero(t, rows)
	require.Equal(t, int64(0), f.session(t, session.ID).ChunksSettled)

	// the session settles normally afterwards
	result, err := f.svc.Settle(ctx, request(session))
	require.NoError(t, err)
	require.Equal(t, int64(2), result.ChunksSettled)
}

func TestRecoverKeepsPendingWhileLedgerUnreachable(t *testing.T) {
	ledger := &mockChain{}
	f := setup(t, func(*chain.Simulated) chain.Client { return ledger })
	ctx := context.Background()
	session := f.approve(t, 10)
	f.watch(t, session, 0, 1)
	pending := f.seedPending(t, session, 2)

	ledger.On("GetStatus", mock.Anything, pending.RequestID).
		Return(chain.Receipt{}, chain.ErrUnavailable).Once()
	ledger.On("GetStatus", mock.Anything, pending.RequestID).
		Return(chain.Receipt{}, chain.ErrNotFound).Once()

	outcome, err := f.svc.Recover(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, settlementdomain.RecoveryUnknown, outcome)

	var rows int64
	require.NoError(t, f.db.Model(&settlementdomain.Settlement{}).Count(&rows).Error)
	require.EqualValues(t, 1, rows)

	outcome, err = f.svc.Recover(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, settlementdomain.RecoveryDiscarded, outcome)

	require.NoError(t, f.db.Model(&settlementdomain.Settlement{}).Count(&rows).Error)
	require.Zero(t, rows)
	require.Equal(t, int64(0), f.session(t, session.ID).ChunksSettled)
	ledger.AssertExpectations(t)
	ledger.AssertNotCalled(t, "SubmitSettlement", mock.Anything, mock.Anything)
}

func TestSettleReconcilesLeftoverPending(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	session := f.approve(t, 10)
	f.watch(t, session, 0, 1, 2)

	pending := f.seedPending(t, session, 3)
	_, err := f.sim.SubmitSettlement(ctx, chain.Batch{
		RequestID:     pending.RequestID,
		ChunkCount:    3,
		TotalPayment:  3_000_000,
		PlatformFee:   150_000,
		CreatorAmount: 2_850_000,
	})
	require.NoError(t, err)

	result, err := f.svc.Settle(ctx, request(session))
	require.NoError(t, err)
	require.Equal(t, pending.ID, result.Settlement.ID)
	require.Equal(t, int64(3), f.session(t, session.ID).ChunksSettled)
	require.Equal(t, 1, f.sim.Submissions())
}

func TestListBySessionPaginates(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()
	session := f.approve(t, 10)

	var signatures []string
	for segment := int64(0); segment < 3; segment++ {
		f.watch(t, session, segment)
		result, err := f.svc.Settle(ctx, request(session))
		require.NoError(t, err)
		signatures = append(signatures, result.TransactionSignature)
		f.clock.Advance(time.Second)
	}

	page, err := f.svc.ListBySession(ctx, settlementdomain.ListSettlementsRequest{
		SessionRef: session.Ref(),
		Pagination: paginationOf(2, ""),
	})
	require.NoError(t, err)
	require.True(t, page.HasMore)
	require.Len(t, page.Settlements, 2)
	require.Equal(t, signatures[2], *page.Settlements[0].TransactionSignature)

	next, err := f.svc.ListBySession(ctx, settlementdomain.ListSettlementsRequest{
		SessionRef: session.Ref(),
		Pagination: paginationOf(2, page.NextPageToken),
	})
	require.NoError(t, err)
	require.False(t, next.HasMore)
	require.Len(t, next.Settlements, 1)
	require.Equal(t, signatures[0], *next.Settlements[0].TransactionSignature)

	_, err = f.svc.ListBySession(ctx, settlementdomain.ListSettlementsRequest{
		SessionRef: session.Ref(),
		Pagination: paginationOf(2, "!!"),
	})
	require.ErrorIs(t, err, settlementdomain.ErrInvalidPageToken)
}

func TestGetBySignatureUnknown(t *testing.T) {
	f := setup(t, nil)
	_, err := f.svc.GetBySignature(context.Background(), "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW")
	require.ErrorIs(t, err, settlementdomain.ErrSettlementNotFound)
}

func (f fixture) seedPending(t *testing.T, session *sessiondomain.Session, chunks int64) settlementdomain.Settlement {
	t.Helper()
	total := chunks * session.PricePerChunk
	fee := total * 500 / 10_000
	pending := settlementdomain.Settlement{
		ID:                  testutil.Node(t).Generate(),
		SessionID:           session.ID,
		RequestID:           settlementdomain.RequestID(session.Ref(), 0),
		Status:              settlementdomain.StatusPending,
		ChunkCount:          chunks,
		PricePerChunk:       session.PricePerChunk,
		FeeBps:              500,
		TotalPayment:        total,
		PlatformFee:         fee,
		CreatorAmount:       total - fee,
		ChunksSettledBase:   0,
		ChunksConsumedAfter: chunks,
		ChunksRemaining:     session.MaxApprovedChunks - chunks,
		CreatedAt:           f.clock.Now(),
	}
	require.NoError(t, f.db.Create(&pending).Error)
	return pending
}
