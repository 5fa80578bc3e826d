// Package domain holds the local pricing mirror of catalog videos.
package domain

import "time"

// Video mirrors only the catalog fields needed to approve sessions and
// answer approvalNeeded.
type Video struct {
	ID            string    `gorm:"primaryKey;type:text" json:"video_id"`
	CreatorID     string    `gorm:"type:text;not null;index" json:"creator_id"`
	Title         string    `gorm:"type:text;not null" json:"title"`
	Slug          string    `gorm:"type:text;not null" json:"slug"`
	PricePerChunk int64     `gorm:"not null" json:"price_per_chunk"`
	TotalChunks   int64     `gorm:"not null" json:"total_chunks"`
	// No gorm default: a false value must reach the INSERT.
	IsActive      bool      `gorm:"not null" json:"is_active"`
	CreatedAt     time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt     time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Video) TableName() string { return "videos" }
