package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/streampay/internal/audit/domain"
	chunkdomain "github.com/smallbiznis/streampay/internal/chunk/domain"
	obscontext "github.com/smallbiznis/streampay/internal/observability/context"
	sessiondomain "github.com/smallbiznis/streampay/internal/session/domain"
	settlementdomain "github.com/smallbiznis/streampay/internal/settlement/domain"
	"github.com/smallbiznis/streampay/pkg/db/pagination"
)

type createSessionRequest struct {
	ViewerPubkey      string `json:"viewerPubkey"`
	VideoID           string `json:"videoId"`
	MaxApprovedChunks int64  `json:"maxApprovedChunks"`
	PricePerChunk     int64  `json:"pricePerChunk"`
	DelegateTrusted   bool   `json:"delegateTrusted"`
}

type sessionView struct {
	SessionRef        string    `json:"sessionRef"`
	ViewerPubkey      string    `json:"viewerPubkey"`
	VideoID           string    `json:"videoId"`
	CreatorID         string    `json:"creatorId"`
	Status            string    `json:"status"`
	PricePerChunk     int64     `json:"pricePerChunk"`
	MaxApprovedChunks int64     `json:"maxApprovedChunks"`
	ChunksConsumed    int64     `json:"chunksConsumed"`
	ChunksSettled     int64     `json:"chunksSettled"`
	UnsettledChunks   int64     `json:"unsettledChunks"`
	ChunksRemaining   int64     `json:"chunksRemaining"`
	DelegateTrusted   bool      `json:"delegateTrusted"`
	ApprovalCount     int64     `json:"approvalCount"`
	CreatedAt         time.Time `json:"createdAt"`
	LastActivityAt    time.Time `json:"lastActivityAt"`
}

func newSessionView(s *sessiondomain.Session) sessionView {
	return sessionView{
		SessionRef:        s.Ref(),
		ViewerPubkey:      s.ViewerID,
		VideoID:           s.VideoID,
		CreatorID:         s.CreatorID,
		Status:            string(s.Status),
		PricePerChunk:     s.PricePerChunk,
		MaxApprovedChunks: s.MaxApprovedChunks,
		ChunksConsumed:    s.ChunksConsumed,
		ChunksSettled:     s.ChunksSettled,
		UnsettledChunks:   s.Unsettled(),
		ChunksRemaining:   s.Remaining(),
		DelegateTrusted:   s.DelegateTrusted,
		ApprovalCount:     s.ApprovalCount,
		CreatedAt:         s.CreatedAt.UTC(),
		LastActivityAt:    s.LastActivityAt.UTC(),
	}
}

// CreateSession mirrors a viewer's delegated spending approval. Approving
// again while a session is active raises its cap.
func (s *Server) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	viewerID := strings.TrimSpace(req.ViewerPubkey)
	videoID := strings.TrimSpace(req.VideoID)
	c.Set("video_id", videoID)
	ctx := obscontext.WithActor(c.Request.Context(), string(auditdomain.ActorTypeViewer), viewerID)
	c.Request = c.Request.WithContext(ctx)

	session, err := s.sessionSvc.Create(ctx, sessiondomain.CreateRequest{
		ViewerID:          viewerID,
		VideoID:           videoID,
		MaxApprovedChunks: req.MaxApprovedChunks,
		PricePerChunk:     req.PricePerChunk,
		DelegateTrusted:   req.DelegateTrusted,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, newSessionView(session))
}

func (s *Server) GetSession(c *gin.Context) {
	session, err := s.sessionSvc.Get(c.Request.Context(), c.Param("sessionRef"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, newSessionView(session))
}

// RevokeSession closes the session on the viewer's behalf. Unsettled chunks
// stay payable and are settled later.
func (s *Server) RevokeSession(c *gin.Context) {
	viewerID := strings.TrimSpace(c.Query("viewerPubkey"))
	if viewerID == "" {
		AbortWithError(c, newValidationError("viewerPubkey", "required", "viewerPubkey is required"))
		return
	}
	sessionRef := strings.TrimSpace(c.Param("sessionRef"))
	ctx := obscontext.WithActor(c.Request.Context(), string(auditdomain.ActorTypeViewer), viewerID)
	ctx = obscontext.WithSessionRef(ctx, sessionRef)
	c.Request = c.Request.WithContext(ctx)

	session, err := s.sessionSvc.Revoke(ctx, sessionRef, viewerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, newSessionView(session))
}

type listSettlementsQuery struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
}

func (s *Server) ListSessionSettlements(c *gin.Context) {
	var query listSettlementsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.settlementSvc.ListBySession(c.Request.Context(), settlementdomain.ListSettlementsRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		SessionRef: strings.TrimSpace(c.Param("sessionRef")),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	views := make([]settlementView, 0, len(resp.Settlements))
	for _, settlement := range resp.Settlements {
		views = append(views, newSettlementView(settlement))
	}
	c.JSON(http.StatusOK, gin.H{"data": views, "page_info": resp.PageInfo})
}

type chunkView struct {
	SegmentIndex int64     `json:"segmentIndex"`
	ViewedAt     time.Time `json:"viewedAt"`
	Settled      bool      `json:"settled"`
	SettlementID string    `json:"settlementId,omitempty"`
}

func newChunkView(v chunkdomain.ChunkView) chunkView {
	view := chunkView{
		SegmentIndex: v.SegmentIndex,
		ViewedAt:     v.ViewedAt.UTC(),
		Settled:      v.Settled,
	}
	if v.SettlementID != nil {
		view.SettlementID = v.SettlementID.String()
	}
	return view
}

// ListSessionChunks returns the admitted chunks of a session, oldest first.
// unsettled=true narrows the list to chunks still awaiting settlement.
func (s *Server) ListSessionChunks(c *gin.Context) {
	onlyUnsettled, err := parseOptionalBool(c.Query("unsettled"))
	if err != nil {
		AbortWithError(c, newValidationError("unsettled", "invalid_unsettled", "invalid unsettled"))
		return
	}

	ctx := c.Request.Context()
	session, err := s.sessionSvc.Get(ctx, c.Param("sessionRef"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	views, err := s.chunkSvc.List(ctx, session.ID, onlyUnsettled != nil && *onlyUnsettled)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out := make([]chunkView, 0, len(views))
	for _, v := range views {
		out = append(out, newChunkView(v))
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}
