package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/streampay/internal/observability/context"
	sessiondomain "github.com/smallbiznis/streampay/internal/session/domain"
	settlementdomain "github.com/smallbiznis/streampay/internal/settlement/domain"
)

type settleRequest struct {
	SessionRef   string `json:"sessionRef"`
	VideoID      string `json:"videoId"`
	ViewerPubkey string `json:"viewerPubkey"`
}

type settleResponse struct {
	ChunksSettled        int64  `json:"chunksSettled"`
	TransactionSignature string `json:"transactionSignature,omitempty"`
	BlockTime            int64  `json:"blockTime,omitempty"`
	Slot                 uint64 `json:"slot,omitempty"`
	Reason               string `json:"reason,omitempty"`
}

type settlementView struct {
	SettlementID         string     `json:"settlementId"`
	SessionRef           string     `json:"sessionRef"`
	Status               string     `json:"status"`
	ChunkCount           int64      `json:"chunkCount"`
	PricePerChunk        int64      `json:"pricePerChunk"`
	FeeBps               int64      `json:"feeBps"`
	TotalPayment         int64      `json:"totalPayment"`
	PlatformFee          int64      `json:"platformFee"`
	CreatorAmount        int64      `json:"creatorAmount"`
	ChunksConsumedAfter  int64      `json:"chunksConsumedAfter"`
	ChunksRemaining      int64      `json:"chunksRemaining"`
	TransactionSignature string     `json:"transactionSignature,omitempty"`
	Slot                 *uint64    `json:"slot,omitempty"`
	BlockTime            *int64     `json:"blockTime,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	ConfirmedAt          *time.Time `json:"confirmedAt,omitempty"`
}

func newSettlementView(s settlementdomain.Settlement) settlementView {
	view := settlementView{
		SettlementID:        s.ID.String(),
		SessionRef:          s.SessionID.String(),
		Status:              string(s.Status),
		ChunkCount:          s.ChunkCount,
		PricePerChunk:       s.PricePerChunk,
		FeeBps:              s.FeeBps,
		TotalPayment:        s.TotalPayment,
		PlatformFee:         s.PlatformFee,
		CreatorAmount:       s.CreatorAmount,
		ChunksConsumedAfter: s.ChunksConsumedAfter,
		ChunksRemaining:     s.ChunksRemaining,
		Slot:                s.Slot,
		BlockTime:           s.BlockTime,
		CreatedAt:           s.CreatedAt.UTC(),
		ConfirmedAt:         s.ConfirmedAt,
	}
	if s.TransactionSignature != nil {
		view.TransactionSignature = *s.TransactionSignature
	}
	return view
}

// GetUnsettled reports the unsettled chunk count of the viewer's latest
// session for a video. A viewer without a session has nothing unsettled.
func (s *Server) GetUnsettled(c *gin.Context) {
	videoID := strings.TrimSpace(c.Param("videoId"))
	viewerID := strings.TrimSpace(c.Query("viewerPubkey"))
	if viewerID == "" {
		AbortWithError(c, newValidationError("viewerPubkey", "required", "viewerPubkey is required"))
		return
	}
	c.Set("video_id", videoID)

	ctx := c.Request.Context()
	session, err := s.sessionSvc.FindLatest(ctx, viewerID, videoID)
	if err != nil {
		if errors.Is(err, sessiondomain.ErrSessionNotFound) {
			c.JSON(http.StatusOK, gin.H{"unsettledChunks": 0})
			return
		}
		AbortWithError(c, err)
		return
	}

	unsettled, err := s.chunkSvc.UnsettledCount(ctx, session.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"unsettledChunks": unsettled,
		"sessionRef":      session.Ref(),
	})
}

func (s *Server) GetSettlementPreview(c *gin.Context) {
	sessionRef := strings.TrimSpace(c.Param("sessionRef"))
	viewerID := strings.TrimSpace(c.Query("viewerPubkey"))
	if viewerID == "" {
		AbortWithError(c, newValidationError("viewerPubkey", "required", "viewerPubkey is required"))
		return
	}
	c.Request = c.Request.WithContext(obscontext.WithSessionRef(c.Request.Context(), sessionRef))

	preview, err := s.settlementSvc.Preview(c.Request.Context(), settlementdomain.SettleRequest{
		SessionRef: sessionRef,
		VideoID:    strings.TrimSpace(c.Query("videoId")),
		ViewerID:   viewerID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, preview)
}

// Settle runs one settlement for the session. In-flight, nothing-to-settle
// and external ledger outcomes are protocol answers with a reason body.
func (s *Server) Settle(c *gin.Context) {
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	sessionRef := strings.TrimSpace(req.SessionRef)
	viewerID := strings.TrimSpace(req.ViewerPubkey)
	if sessionRef == "" {
		AbortWithError(c, newValidationError("sessionRef", "required", "sessionRef is required"))
		return
	}
	if viewerID == "" {
		AbortWithError(c, newValidationError("viewerPubkey", "required", "viewerPubkey is required"))
		return
	}
	c.Set("video_id", strings.TrimSpace(req.VideoID))

	ctx := obscontext.WithSessionRef(c.Request.Context(), sessionRef)
	c.Request = c.Request.WithContext(ctx)

	result, err := s.settlementSvc.Settle(ctx, settlementdomain.SettleRequest{
		SessionRef: sessionRef,
		VideoID:    strings.TrimSpace(req.VideoID),
		ViewerID:   viewerID,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusOK, settleResponse{
			ChunksSettled:        result.ChunksSettled,
			TransactionSignature: result.TransactionSignature,
			BlockTime:            result.BlockTime,
			Slot:                 result.Slot,
		})
	case errors.Is(err, settlementdomain.ErrNoUnsettledChunks):
		c.JSON(http.StatusOK, settleResponse{Reason: reasonNoUnsettledChunks})
	case errors.Is(err, settlementdomain.ErrSettlementInProgress):
		c.JSON(http.StatusConflict, reasonResponse{Reason: reasonSettlementInProgress})
	case errors.Is(err, settlementdomain.ErrExternalLedgerRejected):
		_ = c.Error(err)
		c.JSON(http.StatusBadGateway, reasonResponse{Reason: reasonLedgerRejected})
	case errors.Is(err, settlementdomain.ErrExternalLedgerTimeout):
		_ = c.Error(err)
		c.JSON(http.StatusGatewayTimeout, reasonResponse{Reason: reasonLedgerTimeout})
	default:
		AbortWithError(c, err)
	}
}

func (s *Server) GetSettlementBySignature(c *gin.Context) {
	signature := strings.TrimSpace(c.Param("transactionSignature"))
	if signature == "" {
		AbortWithError(c, ErrNotFound)
		return
	}

	settlement, err := s.settlementSvc.GetBySignature(c.Request.Context(), signature)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, newSettlementView(*settlement))
}
