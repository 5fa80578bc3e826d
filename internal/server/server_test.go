package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/streampay/internal/audit/domain"
	auditrepository "github.com/smallbiznis/streampay/internal/audit/repository"
	auditservice "github.com/smallbiznis/streampay/internal/audit/service"
	"github.com/smallbiznis/streampay/internal/chain"
	chunkservice "github.com/smallbiznis/streampay/internal/chunk/service"
	"github.com/smallbiznis/streampay/internal/clock"
	"github.com/smallbiznis/streampay/internal/config"
	ledgerservice "github.com/smallbiznis/streampay/internal/ledger/service"
	proofdomain "github.com/smallbiznis/streampay/internal/proof/domain"
	proofservice "github.com/smallbiznis/streampay/internal/proof/service"
	"github.com/smallbiznis/streampay/internal/ratelimit"
	sessiondomain "github.com/smallbiznis/streampay/internal/session/domain"
	sessionservice "github.com/smallbiznis/streampay/internal/session/service"
	"github.com/smallbiznis/streampay/internal/settlement/lock"
	settlementservice "github.com/smallbiznis/streampay/internal/settlement/service"
	"github.com/smallbiznis/streampay/internal/testutil"
	videodomain "github.com/smallbiznis/streampay/internal/video/domain"
	videoservice "github.com/smallbiznis/streampay/internal/video/service"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testViewer  = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
	testVideo   = "vid-rust-101"
	testCreator = "creator-1"
)

type testServer struct {
	engine *gin.Engine
	clock  *clock.FakeClock
}

type serverOptions struct {
	policy    func(*config.PolicyConfig)
	cfg       func(*config.Config)
	rateLimit *config.RateLimitConfig
}

func newTestServer(t *testing.T, opts serverOptions) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.OpenDB(t)
	node := testutil.Node(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	policy := config.DefaultPolicyConfig()
	if opts.policy != nil {
		opts.policy(&policy)
	}
	holder := config.NewStaticPolicyHolder(policy)

	cfg := config.Config{
		Environment: "test",
		Chain: config.ChainConfig{
			SubmitTimeout:  2 * time.Second,
			ConfirmTimeout: 2 * time.Second,
			MaxAttempts:    1,
		},
	}
	if opts.rateLimit != nil {
		cfg.RateLimit = *opts.rateLimit
	}
	if opts.cfg != nil {
		opts.cfg(&cfg)
	}

	auditSvc := auditservice.NewService(auditservice.Params{DB: db, Log: log, GenID: node, Repo: auditrepository.Provide()})
	videoSvc := videoservice.NewService(videoservice.Params{DB: db, Log: log, Clock: clk, Policy: holder, AuditSvc: auditSvc})
	_, err := videoSvc.Upsert(context.Background(), videodomain.UpsertRequest{
		VideoID:       testVideo,
		CreatorID:     testCreator,
		Title:         "Rust 101",
		PricePerChunk: 1_000_000,
		TotalChunks:   600,
	})
	require.NoError(t, err)

	sessionSvc := sessionservice.NewService(sessionservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Policy: holder, VideoSvc: videoSvc, AuditSvc: auditSvc,
	})
	chunkSvc := chunkservice.NewService(chunkservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Policy: holder, SessionSvc: sessionSvc,
	})
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: log, GenID: node})
	sim := chain.NewSimulated(clk, 0)
	settlementSvc := settlementservice.NewService(settlementservice.Params{
		DB:         db,
		Log:        log,
		GenID:      node,
		Clock:      clk,
		Config:     cfg,
		Policy:     holder,
		SessionSvc: sessionSvc,
		LedgerSvc:  ledgerSvc,
		Chain:      sim,
		Lock:       lock.NewLocal(),
		AuditSvc:   auditSvc,
	})
	verifier := proofservice.NewService(proofservice.Params{Log: log, Clock: clk, Policy: holder, SessionSvc: sessionSvc})

	limiter, err := ratelimit.NewLimiter(cfg, nil)
	require.NoError(t, err)

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())
	srv := NewServer(ServerParams{
		Gin:           engine,
		Cfg:           cfg,
		Policy:        holder,
		Verifier:      verifier,
		SessionSvc:    sessionSvc,
		VideoSvc:      videoSvc,
		ChunkSvc:      chunkSvc,
		SettlementSvc: settlementSvc,
		LedgerSvc:     ledgerSvc,
		AuditSvc:      auditSvc,
		Limiter:       limiter,
	})
	srv.RegisterRoutes()

	return testServer{engine: engine, clock: clk}
}

func (ts testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	return rec
}

func (ts testServer) approve(t *testing.T, viewer string, maxChunks int64, trusted bool) string {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/sessions", gin.H{
		"viewerPubkey":      viewer,
		"videoId":           testVideo,
		"maxApprovedChunks": maxChunks,
		"delegateTrusted":   trusted,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var view sessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	return view.SessionRef
}

func (ts testServer) track(t *testing.T, ref string, segment int64) *httptest.ResponseRecorder {
	t.Helper()
	return ts.do(t, http.MethodPost, "/chunk-track", gin.H{
		"videoId":      testVideo,
		"segment":      segment,
		"viewerPubkey": testViewer,
		"sessionRef":   ref,
		"timestamp":    ts.clock.Now().UnixMilli(),
	})
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestChunkTrackAndSettleFlow(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	ref := ts.approve(t, testViewer, 10, true)

	for segment := int64(0); segment < 5; segment++ {
		rec := ts.track(t, ref, segment)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		require.Equal(t, true, decode(t, rec)["admitted"])
	}

	rec := ts.do(t, http.MethodGet, "/unsettled/"+testVideo+"?viewerPubkey="+testViewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 5, decode(t, rec)["unsettledChunks"])

	rec = ts.do(t, http.MethodGet, "/settlement-preview/"+ref+"?videoId="+testVideo+"&viewerPubkey="+testViewer, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	preview := decode(t, rec)
	require.EqualValues(t, 5_000_000, preview["totalPayment"])
	require.EqualValues(t, 250_000, preview["platformFee"])
	require.EqualValues(t, 4_750_000, preview["creatorAmount"])
	require.EqualValues(t, 5, preview["chunksRemaining"])

	rec = ts.do(t, http.MethodPost, "/settle", gin.H{"sessionRef": ref, "videoId": testVideo, "viewerPubkey": testViewer})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	settled := decode(t, rec)
	require.EqualValues(t, 5, settled["chunksSettled"])
	signature, ok := settled["transactionSignature"].(string)
	require.True(t, ok)
	require.NotEmpty(t, signature)
	require.NotNil(t, settled["slot"])
	require.NotNil(t, settled["blockTime"])

	rec = ts.do(t, http.MethodGet, "/settlement/"+signature, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	record := decode(t, rec)
	require.Equal(t, ref, record["sessionRef"])
	require.EqualValues(t, 5, record["chunkCount"])
	require.Equal(t, "confirmed", record["status"])

	rec = ts.do(t, http.MethodPost, "/settle", gin.H{"sessionRef": ref, "videoId": testVideo, "viewerPubkey": testViewer})
	require.Equal(t, http.StatusOK, rec.Code)
	again := decode(t, rec)
	require.EqualValues(t, 0, again["chunksSettled"])
	require.Equal(t, "NoUnsettledChunks", again["reason"])

	rec = ts.do(t, http.MethodGet, "/creators/"+testCreator+"/earnings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 4_750_000, decode(t, rec)["amount"])

	rec = ts.do(t, http.MethodGet, "/platform/revenue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 250_000, decode(t, rec)["amount"])

	rec = ts.do(t, http.MethodGet, "/sessions/"+ref+"/settlements", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode(t, rec)["data"], 1)
}

func TestChunkTrackReplayDoesNotDoubleCount(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	ref := ts.approve(t, testViewer, 10, true)

	for _, segment := range []int64{0, 1, 2, 2, 2} {
		rec := ts.track(t, ref, segment)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := ts.do(t, http.MethodGet, "/sessions/"+ref, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 3, decode(t, rec)["chunksConsumed"])
}

func TestChunkTrackCapacityExceeded(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	ref := ts.approve(t, testViewer, 10, true)

	for segment := int64(0); segment < 10; segment++ {
		require.Equal(t, http.StatusAccepted, ts.track(t, ref, segment).Code)
	}

	rec := ts.track(t, ref, 10)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "CapacityExceeded", decode(t, rec)["reason"])
}

func TestChunkTrackApprovalNeeded(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	rec := ts.track(t, "", 0)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := decode(t, rec)
	require.Equal(t, true, body["approvalNeeded"])
	require.EqualValues(t, 600, body["maxChunks"])
	require.EqualValues(t, 1_000_000, body["pricePerChunk"])

	// a reference owned by someone else is treated as missing approval
	other := ts.approve(t, "7Np41oeYqPefeNQEHSv1UDhYrehxin3NStELsSKCT4K2", 10, true)
	rec = ts.track(t, other, 0)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	require.Equal(t, true, decode(t, rec)["approvalNeeded"])
}

func TestChunkTrackSettlementNeeded(t *testing.T) {
	ts := newTestServer(t, serverOptions{policy: func(p *config.PolicyConfig) {
		p.Settlement.ThresholdChunks = 3
	}})
	ref := ts.approve(t, testViewer, 10, true)

	for segment := int64(0); segment < 3; segment++ {
		require.Equal(t, http.StatusAccepted, ts.track(t, ref, segment).Code)
	}

	rec := ts.track(t, ref, 3)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := decode(t, rec)
	require.Equal(t, true, body["settlementNeeded"])
	require.EqualValues(t, 3, body["unsettledChunks"])
}

func TestChunkTrackProofs(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	viewer := base58.Encode(pub)
	ref := ts.approve(t, viewer, 10, false)

	intent := proofdomain.ChunkIntent{
		VideoID:      testVideo,
		SegmentIndex: 0,
		SessionRef:   ref,
		Timestamp:    time.UnixMilli(ts.clock.Now().UnixMilli()).UTC(),
	}
	signature := base58.Encode(ed25519.Sign(priv, []byte(proofdomain.CanonicalMessage(intent))))

	request := func(segment int64, proof string, at time.Time) *httptest.ResponseRecorder {
		return ts.do(t, http.MethodPost, "/chunk-track", gin.H{
			"videoId":      testVideo,
			"segment":      segment,
			"viewerPubkey": viewer,
			"sessionRef":   ref,
			"timestamp":    at.UnixMilli(),
			"proof":        proof,
		})
	}

	rec := request(0, "", ts.clock.Now())
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "ProofInvalid", decode(t, rec)["reason"])

	rec = request(1, signature, ts.clock.Now())
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "ProofInvalid", decode(t, rec)["reason"])

	rec = request(0, signature, intent.Timestamp)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	ts.clock.Advance(5 * time.Minute)
	rec = request(0, signature, intent.Timestamp)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "ProofExpired", decode(t, rec)["reason"])
}

func TestChunkTrackValidation(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	rec := ts.do(t, http.MethodPost, "/chunk-track", gin.H{"videoId": testVideo, "viewerPubkey": testViewer})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "validation_error", resp.Error.Type)
	require.Equal(t, "segment", resp.Error.Errors[0].Field)

	rec = ts.do(t, http.MethodPost, "/chunk-track", gin.H{"videoId": testVideo, "viewerPubkey": testViewer, "segment": -1})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChunkTrackSegmentPastVideoEnd(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	ref := ts.approve(t, testViewer, 10, true)

	for _, segment := range []int64{600, 5_000_000} {
		rec := ts.track(t, ref, segment)
		require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

		var resp errorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, "segment_out_of_range", resp.Error.Errors[0].Code)
		require.Equal(t, "segment", resp.Error.Errors[0].Field)
	}

	require.Equal(t, http.StatusAccepted, ts.track(t, ref, 599).Code)

	rec := ts.do(t, http.MethodGet, "/sessions/"+ref, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, decode(t, rec)["chunksConsumed"])
}

func TestDeactivatedVideoStopsPlaybackButSettles(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	ref := ts.approve(t, testViewer, 10, true)
	for segment := int64(0); segment < 2; segment++ {
		require.Equal(t, http.StatusAccepted, ts.track(t, ref, segment).Code)
	}

	rec := ts.do(t, http.MethodPut, "/videos/"+testVideo, gin.H{
		"creatorId":     testCreator,
		"title":         "Rust 101",
		"pricePerChunk": 1_000_000,
		"totalChunks":   600,
		"isActive":      false,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, false, decode(t, rec)["isActive"])

	rec = ts.do(t, http.MethodPost, "/sessions", gin.H{
		"viewerPubkey":      "7Np41oeYqPefeNQEHSv1UDhYrehxin3NStELsSKCT4K2",
		"videoId":           testVideo,
		"maxApprovedChunks": 10,
	})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = ts.track(t, ref, 2)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	require.Equal(t, "VideoNotActive", decode(t, rec)["reason"])

	// paid chunks stay answerable
	require.Equal(t, http.StatusAccepted, ts.track(t, ref, 1).Code)

	// a viewer without a session is not offered an approval
	rec = ts.do(t, http.MethodPost, "/chunk-track", gin.H{
		"videoId":      testVideo,
		"segment":      0,
		"viewerPubkey": "7Np41oeYqPefeNQEHSv1UDhYrehxin3NStELsSKCT4K2",
		"timestamp":    ts.clock.Now().UnixMilli(),
	})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	require.Equal(t, "VideoNotActive", decode(t, rec)["reason"])

	rec = ts.do(t, http.MethodPost, "/settle", gin.H{"sessionRef": ref, "videoId": testVideo, "viewerPubkey": testViewer})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.EqualValues(t, 2, decode(t, rec)["chunksSettled"])
}

func TestSettleUnknownSessionIsNotFound(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	rec := ts.do(t, http.MethodPost, "/settle", gin.H{"sessionRef": "123", "videoId": testVideo, "viewerPubkey": testViewer})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/settlement/unknown-signature", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRevokeSessionKeepsUnsettledPayable(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	ref := ts.approve(t, testViewer, 10, true)
	for segment := int64(0); segment < 2; segment++ {
		require.Equal(t, http.StatusAccepted, ts.track(t, ref, segment).Code)
	}

	rec := ts.do(t, http.MethodDelete, "/sessions/"+ref+"?viewerPubkey="+testViewer, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, string(sessiondomain.StatusClosed), decode(t, rec)["status"])

	rec = ts.track(t, ref, 2)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	require.Equal(t, true, decode(t, rec)["approvalNeeded"])

	rec = ts.do(t, http.MethodPost, "/settle", gin.H{"sessionRef": ref, "videoId": testVideo, "viewerPubkey": testViewer})
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 2, decode(t, rec)["chunksSettled"])

	rec = ts.do(t, http.MethodGet, "/admin/audit-logs?session_ref="+ref, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var logs struct {
		Data []auditdomain.AuditLog `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	actions := make([]string, 0, len(logs.Data))
	for _, entry := range logs.Data {
		actions = append(actions, entry.Action)
	}
	require.Contains(t, actions, auditdomain.ActionDelegationApproved)
	require.Contains(t, actions, auditdomain.ActionDelegationRevoked)
	require.Contains(t, actions, auditdomain.ActionSessionSettled)
}

func TestChunkTrackRateLimited(t *testing.T) {
	ts := newTestServer(t, serverOptions{rateLimit: &config.RateLimitConfig{
		Enabled:         true,
		ChunkTrackRate:  0.001,
		ChunkTrackBurst: 2,
		SettleRate:      1,
		SettleBurst:     1,
	}})
	ref := ts.approve(t, testViewer, 10, true)

	require.Equal(t, http.StatusAccepted, ts.track(t, ref, 0).Code)
	require.Equal(t, http.StatusAccepted, ts.track(t, ref, 1).Code)

	rec := ts.track(t, ref, 2)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.Equal(t, rateLimitReasonViewerRate, rec.Header().Get("X-Rate-Limited-Reason"))
}

func TestAdminRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t, serverOptions{cfg: func(c *config.Config) {
		c.AdminToken = "s3cret"
	}})

	body := gin.H{"creatorId": testCreator, "title": "Go 201", "pricePerChunk": 2_000_000, "totalChunks": 120}
	rec := ts.do(t, http.MethodPut, "/videos/vid-go-201", body)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPut, "/videos/vid-go-201", body, "Authorization", "Bearer s3cret")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "go-201", decode(t, rec)["slug"])

	rec = ts.do(t, http.MethodGet, "/videos/vid-go-201", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 2_000_000, decode(t, rec)["pricePerChunk"])

	rec = ts.do(t, http.MethodGet, "/platform/revenue", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateSessionValidation(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	rec := ts.do(t, http.MethodPost, "/sessions", gin.H{
		"viewerPubkey":      testViewer,
		"videoId":           testVideo,
		"maxApprovedChunks": 5_000,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "max_chunks_per_approval_exceeded", resp.Error.Errors[0].Code)
	require.Equal(t, "max_approved_chunks", resp.Error.Errors[0].Field)

	rec = ts.do(t, http.MethodPost, "/sessions", gin.H{
		"viewerPubkey":      testViewer,
		"videoId":           "missing",
		"maxApprovedChunks": 5,
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}
