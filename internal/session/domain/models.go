package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusActive  Status = "active"
	StatusClosed  Status = "closed"
	StatusExpired Status = "expired"
)

// Session is one viewer's approved spending envelope for one video.
// Counters satisfy chunks_settled <= chunks_consumed <= max_approved_chunks
// and only move through conditional UPDATEs.
type Session struct {
	ID                snowflake.ID `gorm:"primaryKey"`
	ViewerID          string       `gorm:"type:text;not null;index:idx_sessions_viewer_video,priority:1"`
	VideoID           string       `gorm:"type:text;not null;index:idx_sessions_viewer_video,priority:2"`
	CreatorID         string       `gorm:"type:text;not null"`
	PricePerChunk     int64        `gorm:"not null"`
	MaxApprovedChunks int64        `gorm:"not null"`
	ChunksConsumed    int64        `gorm:"not null;default:0"`
	ChunksSettled     int64        `gorm:"not null;default:0"`
	DelegateTrusted   bool         `gorm:"not null;default:false"`
	Status            Status       `gorm:"type:text;not null;index"`
	ApprovalCount     int64        `gorm:"not null;default:1"`
	CreatedAt         time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	LastActivityAt    time.Time    `gorm:"not null;index"`
	UpdatedAt         time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Session) TableName() string { return "sessions" }

// Ref is the opaque session reference handed to clients and the external ledger.
func (s Session) Ref() string { return s.ID.String() }

func (s Session) Unsettled() int64 { return s.ChunksConsumed - s.ChunksSettled }

func (s Session) Remaining() int64 { return s.MaxApprovedChunks - s.ChunksConsumed }

func (s Session) Exhausted() bool { return s.ChunksConsumed >= s.MaxApprovedChunks }

// OwnedBy reports whether the session belongs to the viewer/video pair.
// An empty videoID matches any video.
func (s Session) OwnedBy(viewerID, videoID string) bool {
	if s.ViewerID != strings.TrimSpace(viewerID) {
		return false
	}
	videoID = strings.TrimSpace(videoID)
	return videoID == "" || s.VideoID == videoID
}

// ExpiredAt reports whether an active session has outlived maxAge or sat idle past inactivity.
func (s Session) ExpiredAt(now time.Time, maxAge, inactivity time.Duration) bool {
	if s.Status != StatusActive {
		return s.Status == StatusExpired
	}
	if maxAge > 0 && now.Sub(s.CreatedAt) > maxAge {
		return true
	}
	if inactivity > 0 && now.Sub(s.LastActivityAt) > inactivity {
		return true
	}
	return false
}
