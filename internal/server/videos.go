package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	videodomain "github.com/smallbiznis/streampay/internal/video/domain"
)

type upsertVideoRequest struct {
	CreatorID     string `json:"creatorId"`
	Title         string `json:"title"`
	PricePerChunk int64  `json:"pricePerChunk"`
	TotalChunks   int64  `json:"totalChunks"`
	IsActive      *bool  `json:"isActive"`
}

type videoView struct {
	VideoID       string    `json:"videoId"`
	CreatorID     string    `json:"creatorId"`
	Title         string    `json:"title"`
	Slug          string    `json:"slug"`
	PricePerChunk int64     `json:"pricePerChunk"`
	TotalChunks   int64     `json:"totalChunks"`
	IsActive      bool      `json:"isActive"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func newVideoView(v *videodomain.Video) videoView {
	return videoView{
		VideoID:       v.ID,
		CreatorID:     v.CreatorID,
		Title:         v.Title,
		Slug:          v.Slug,
		PricePerChunk: v.PricePerChunk,
		TotalChunks:   v.TotalChunks,
		IsActive:      v.IsActive,
		UpdatedAt:     v.UpdatedAt.UTC(),
	}
}

func (s *Server) UpsertVideo(c *gin.Context) {
	var req upsertVideoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	videoID := strings.TrimSpace(c.Param("videoId"))
	c.Set("video_id", videoID)

	video, err := s.videoSvc.Upsert(c.Request.Context(), videodomain.UpsertRequest{
		VideoID:       videoID,
		CreatorID:     req.CreatorID,
		Title:         req.Title,
		PricePerChunk: req.PricePerChunk,
		TotalChunks:   req.TotalChunks,
		IsActive:      req.IsActive,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, newVideoView(video))
}

func (s *Server) GetVideo(c *gin.Context) {
	video, err := s.videoSvc.Get(c.Request.Context(), c.Param("videoId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, newVideoView(video))
}
