package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/streampay/internal/audit/domain"
	chunkdomain "github.com/smallbiznis/streampay/internal/chunk/domain"
	obscontext "github.com/smallbiznis/streampay/internal/observability/context"
	proofdomain "github.com/smallbiznis/streampay/internal/proof/domain"
	sessiondomain "github.com/smallbiznis/streampay/internal/session/domain"
	videodomain "github.com/smallbiznis/streampay/internal/video/domain"
)

const (
	reasonCapacityExceeded     = "CapacityExceeded"
	reasonProofExpired         = "ProofExpired"
	reasonProofInvalid         = "ProofInvalid"
	reasonSettlementInProgress = "SettlementInProgress"
	reasonNoUnsettledChunks    = "NoUnsettledChunks"
	reasonLedgerRejected       = "ExternalLedgerRejected"
	reasonLedgerTimeout        = "ExternalLedgerTimeout"
	reasonVideoNotActive       = "VideoNotActive"
)

type chunkTrackRequest struct {
	VideoID      string `json:"videoId"`
	Segment      *int64 `json:"segment"`
	ViewerPubkey string `json:"viewerPubkey"`
	SessionRef   string `json:"sessionRef"`
	Timestamp    int64  `json:"timestamp"` // unix milliseconds
	Proof        string `json:"proof"`
}

type chunkAdmittedResponse struct {
	Admitted        bool   `json:"admitted"`
	Replay          bool   `json:"replay,omitempty"`
	SessionRef      string `json:"sessionRef"`
	ChunksConsumed  int64  `json:"chunksConsumed"`
	UnsettledChunks int64  `json:"unsettledChunks"`
}

type approvalNeededResponse struct {
	ApprovalNeeded bool  `json:"approvalNeeded"`
	MaxChunks      int64 `json:"maxChunks"`
	PricePerChunk  int64 `json:"pricePerChunk"`
}

type settlementNeededResponse struct {
	SettlementNeeded bool   `json:"settlementNeeded"`
	UnsettledChunks  int64  `json:"unsettledChunks"`
	SessionRef       string `json:"sessionRef"`
}

type reasonResponse struct {
	Reason string `json:"reason"`
}

// TrackChunk admits one chunk for a viewer. Playback outcomes are answered
// with the fixed protocol bodies; only malformed input and server faults use
// the generic error envelope.
func (s *Server) TrackChunk(c *gin.Context) {
	var req chunkTrackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	videoID := strings.TrimSpace(req.VideoID)
	viewerID := strings.TrimSpace(req.ViewerPubkey)
	switch {
	case videoID == "":
		AbortWithError(c, newValidationError("videoId", "required", "videoId is required"))
		return
	case viewerID == "":
		AbortWithError(c, newValidationError("viewerPubkey", "required", "viewerPubkey is required"))
		return
	case req.Segment == nil:
		AbortWithError(c, newValidationError("segment", "required", "segment is required"))
		return
	case *req.Segment < 0:
		AbortWithError(c, chunkdomain.ErrInvalidSegment)
		return
	}
	c.Set("video_id", videoID)

	ctx := c.Request.Context()
	sessionRef := strings.TrimSpace(req.SessionRef)
	if sessionRef == "" {
		latest, err := s.sessionSvc.FindLatest(ctx, viewerID, videoID)
		if err != nil && !errors.Is(err, sessiondomain.ErrSessionNotFound) {
			AbortWithError(c, err)
			return
		}
		if latest == nil || latest.Status != sessiondomain.StatusActive {
			s.respondApprovalNeeded(c, videoID)
			return
		}
		sessionRef = latest.Ref()
	}
	ctx = obscontext.WithSessionRef(ctx, sessionRef)
	ctx = obscontext.WithActor(ctx, string(auditdomain.ActorTypeViewer), viewerID)
	c.Request = c.Request.WithContext(ctx)

	timestamp := time.UnixMilli(req.Timestamp).UTC()
	if req.Timestamp == 0 {
		timestamp = time.Time{}
	}

	session, err := s.verifier.Verify(ctx, proofdomain.ChunkIntent{
		VideoID:      videoID,
		SegmentIndex: *req.Segment,
		ViewerID:     viewerID,
		SessionRef:   sessionRef,
		Timestamp:    timestamp,
		Proof:        req.Proof,
	})
	if err != nil {
		s.respondChunkRejected(c, videoID, err)
		return
	}

	result, err := s.chunkSvc.Admit(ctx, chunkdomain.AdmitRequest{
		SessionID:    session.ID,
		SegmentIndex: *req.Segment,
		Timestamp:    timestamp,
	})
	if err != nil {
		if errors.Is(err, chunkdomain.ErrSettlementNeeded) {
			s.respondSettlementNeeded(c, session)
			return
		}
		s.respondChunkRejected(c, videoID, err)
		return
	}

	c.Set("chunk_outcome", "admitted")
	c.JSON(http.StatusAccepted, chunkAdmittedResponse{
		Admitted:        true,
		Replay:          result.Replay,
		SessionRef:      session.Ref(),
		ChunksConsumed:  result.ChunksConsumed,
		UnsettledChunks: result.Unsettled,
	})
}

func (s *Server) respondChunkRejected(c *gin.Context, videoID string, err error) {
	switch {
	case errors.Is(err, chunkdomain.ErrCapacityExceeded):
		c.Set("chunk_outcome", "capacity_exceeded")
		c.JSON(http.StatusConflict, reasonResponse{Reason: reasonCapacityExceeded})
	case errors.Is(err, proofdomain.ErrProofExpired):
		c.Set("chunk_outcome", "proof_expired")
		c.JSON(http.StatusUnauthorized, reasonResponse{Reason: reasonProofExpired})
	case errors.Is(err, proofdomain.ErrProofInvalid):
		c.Set("chunk_outcome", "proof_invalid")
		c.JSON(http.StatusUnauthorized, reasonResponse{Reason: reasonProofInvalid})
	case errors.Is(err, videodomain.ErrVideoNotActive):
		respondVideoNotActive(c)
	case errors.Is(err, sessiondomain.ErrSessionNotFound),
		errors.Is(err, sessiondomain.ErrSessionNotActive),
		errors.Is(err, chunkdomain.ErrSessionUnavailable):
		s.respondApprovalNeeded(c, videoID)
	default:
		AbortWithError(c, err)
	}
}

// respondApprovalNeeded tells the player how much it may ask the viewer to
// approve for this video.
func (s *Server) respondApprovalNeeded(c *gin.Context, videoID string) {
	video, err := s.videoSvc.Get(c.Request.Context(), videoID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !video.IsActive {
		respondVideoNotActive(c)
		return
	}

	maxChunks := s.policy.Get().Session.MaxChunksPerApproval
	if video.TotalChunks > 0 && (maxChunks <= 0 || video.TotalChunks < maxChunks) {
		maxChunks = video.TotalChunks
	}

	c.Set("chunk_outcome", "approval_needed")
	c.JSON(http.StatusPaymentRequired, approvalNeededResponse{
		ApprovalNeeded: true,
		MaxChunks:      maxChunks,
		PricePerChunk:  video.PricePerChunk,
	})
}

func respondVideoNotActive(c *gin.Context) {
	c.Set("chunk_outcome", "video_inactive")
	c.JSON(http.StatusConflict, reasonResponse{Reason: reasonVideoNotActive})
}

func (s *Server) respondSettlementNeeded(c *gin.Context, session *sessiondomain.Session) {
	unsettled, err := s.chunkSvc.UnsettledCount(c.Request.Context(), session.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Set("chunk_outcome", "settlement_needed")
	c.JSON(http.StatusPaymentRequired, settlementNeededResponse{
		SettlementNeeded: true,
		UnsettledChunks:  unsettled,
		SessionRef:       session.Ref(),
	})
}
