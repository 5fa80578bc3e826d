package service

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/streampay/internal/clock"
	sessiondomain "github.com/smallbiznis/streampay/internal/session/domain"
	"github.com/smallbiznis/streampay/internal/testutil"
	videodomain "github.com/smallbiznis/streampay/internal/video/domain"
	videoservice "github.com/smallbiznis/streampay/internal/video/service"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testViewer = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
	testVideo  = "vid-rust-101"
)

type fixture struct {
	svc   sessiondomain.Service
	db    *gorm.DB
	clock *clock.FakeClock
}

func setup(t *testing.T) fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	videoSvc := videoservice.NewService(videoservice.Params{DB: db, Log: zap.NewNop(), Clock: clk})
	_, err := videoSvc.Upsert(context.Background(), videodomain.UpsertRequest{
		VideoID:       testVideo,
		CreatorID:     "creator-1",
		Title:         "Rust 101",
		PricePerChunk: 1_000_000,
		TotalChunks:   600,
	})
	require.NoError(t, err)

	svc := NewService(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    testutil.Node(t),
		Clock:    clk,
		VideoSvc: videoSvc,
	})
	return fixture{svc: svc, db: db, clock: clk}
}

func TestCreateSessionLocksVideoPrice(t *testing.T) {
	f := setup(t)

	session, err := f.svc.Create(context.Background(), sessiondomain.CreateRequest{
		ViewerID:          testViewer,
		VideoID:           testVideo,
		MaxApprovedChunks: 10,
	})
	require.NoError(t, err)
	require.Equal(t, int64(1_000_000), session.PricePerChunk)
	require.Equal(t, int64(10), session.MaxApprovedChunks)
	require.Equal(t, "creator-1", session.CreatorID)
	require.Equal(t, sessiondomain.StatusActive, session.Status)

	loaded, err := f.svc.Get(context.Background(), session.Ref())
	require.NoError(t, err)
	require.Equal(t, session.ID, loaded.ID)
}

func TestCreateSessionValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, sessiondomain.CreateRequest{ViewerID: testViewer, VideoID: testVideo, MaxApprovedChunks: 0})
	require.ErrorIs(t, err, sessiondomain.ErrInvalidMaxChunks)

	_, err = f.svc.Create(ctx, sessiondomain.CreateRequest{ViewerID: testViewer, VideoID: testVideo, MaxApprovedChunks: 1001})
	require.ErrorIs(t, err, sessiondomain.ErrMaxChunksPerApproval)

	_, err = f.svc.Create(ctx, sessiondomain.CreateRequest{ViewerID: testViewer, VideoID: testVideo, MaxApprovedChunks: 5, PricePerChunk: 5})
	require.ErrorIs(t, err, sessiondomain.ErrPriceMismatch)

	_, err = f.svc.Create(ctx, sessiondomain.CreateRequest{ViewerID: testViewer, VideoID: "missing", MaxApprovedChunks: 5})
	require.ErrorIs(t, err, videodomain.ErrVideoNotFound)

	_, err = f.svc.Create(ctx, sessiondomain.CreateRequest{ViewerID: " ", VideoID: testVideo, MaxApprovedChunks: 5})
	require.ErrorIs(t, err, sessiondomain.ErrInvalidViewer)
}

func TestReapprovalExtendsActiveSession(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first, err := f.svc.Create(ctx, sessiondomain.CreateRequest{ViewerID: testViewer, VideoID: testVideo, MaxApprovedChunks: 10})
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	second, err := f.svc.Create(ctx, sessiondomain.CreateRequest{ViewerID: testViewer, VideoID: testVideo, MaxApprovedChunks: 5, DelegateTrusted: true})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, int64(15), second.MaxApprovedChunks)
	require.Equal(t, int64(2), second.ApprovalCount)
	require.True(t, second.DelegateTrusted)
}

func TestReapprovalRejectsChangedPrice(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, sessiondomain.CreateRequest{ViewerID: testViewer, VideoID: testVideo, MaxApprovedChunks: 10})
	require.NoError(t, err)

	require.NoError(t, f.db.Exec(`UPDATE videos SET price_per_chunk = ? WHERE id = ?`, 2_000_000, testVideo).Error)

	_, err = f.svc.Create(ctx, sessiondomain.CreateRequest{ViewerID: testViewer, VideoID: testVideo, MaxApprovedChunks: 5})
	require.ErrorIs(t, err, sessiondomain.ErrPriceChangedSinceApproval)
}

func TestApprovalAfterInactivityStartsNewSession(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first, err := f.svc.Create(ctx, sessiondomain.CreateRequest{ViewerID: testViewer, VideoID: testVideo, MaxApprovedChunks: 10})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	second, err := f.svc.Create(ctx, sessiondomain.CreateRequest{ViewerID: testViewer, VideoID: testVideo, MaxApprovedChunks: 10})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	old, err := f.svc.GetByID(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, sessiondomain.StatusExpired, old.Status)

	latest, err := f.svc.FindLatest(ctx, testViewer, testVideo)
	require.NoError(t, err)
	require.Equal(t, second.ID, latest.ID)
}

func TestRevokeRequiresOwner(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	session, err := f.svc.Create(ctx, sessiondomain.CreateRequest{ViewerID: testViewer, VideoID: testVideo, MaxApprovedChunks: 10})
	require.NoError(t, err)

	_, err = f.svc.Revoke(ctx, session.Ref(), "someone-else")
	require.ErrorIs(t, err, sessiondomain.ErrSessionNotFound)

	revoked, err := f.svc.Revoke(ctx, session.Ref(), testViewer)
	require.NoError(t, err)
	require.Equal(t, sessiondomain.StatusClosed, revoked.Status)

	_, err = f.svc.Revoke(ctx, session.Ref(), testViewer)
	require.ErrorIs(t, err, sessiondomain.ErrSessionNotActive)
}

func TestExpireInactive(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	session, err := f.svc.Create(ctx, sessiondomain.CreateRequest{ViewerID: testViewer, VideoID: testVideo, MaxApprovedChunks: 10})
	require.NoError(t, err)

	count, err := f.svc.ExpireInactive(ctx, f.clock.Now(), 10)
	require.NoError(t, err)
	require.Zero(t, count)

	count, err = f.svc.ExpireInactive(ctx, f.clock.Now().Add(61*time.Minute), 10)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	loaded, err := f.svc.GetByID(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, sessiondomain.StatusExpired, loaded.Status)

	ok, err := f.svc.Expire(ctx, session.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetUnknownRef(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Get(context.Background(), "not-a-ref")
	require.ErrorIs(t, err, sessiondomain.ErrSessionNotFound)
	_, err = f.svc.Get(context.Background(), "123456789")
	require.ErrorIs(t, err, sessiondomain.ErrSessionNotFound)
}

func TestCreateSessionRejectsInactiveVideo(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.db.Model(&videodomain.Video{}).Where("id = ?", testVideo).Update("is_active", false).Error)

	_, err := f.svc.Create(ctx, sessiondomain.CreateRequest{ViewerID: testViewer, VideoID: testVideo, MaxApprovedChunks: 10})
	require.ErrorIs(t, err, videodomain.ErrVideoNotActive)

	var sessions int64
	require.NoError(t, f.db.Model(&sessiondomain.Session{}).Count(&sessions).Error)
	require.Zero(t, sessions)
}
