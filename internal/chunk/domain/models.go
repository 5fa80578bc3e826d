package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// ChunkView is one admitted chunk for a session. The (session_id,
// segment_index) pair is unique so replays never double count.
type ChunkView struct {
	ID           snowflake.ID  `gorm:"primaryKey" json:"id"`
	SessionID    snowflake.ID  `gorm:"not null;uniqueIndex:ux_chunk_views_session_segment,priority:1" json:"session_id"`
	SegmentIndex int64         `gorm:"not null;uniqueIndex:ux_chunk_views_session_segment,priority:2" json:"segment_index"`
	ViewedAt     time.Time     `gorm:"not null" json:"viewed_at"`
	Settled      bool          `gorm:"not null;default:false;index" json:"settled"`
	SettlementID *snowflake.ID `gorm:"index" json:"settlement_id,omitempty"`
	CreatedAt    time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (ChunkView) TableName() string { return "chunk_views" }
