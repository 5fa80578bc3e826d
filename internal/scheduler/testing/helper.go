// Package testing ages session and settlement rows so scheduler jobs can be
// exercised without waiting out real timeouts.
package testing

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	sessiondomain "github.com/smallbiznis/streampay/internal/session/domain"
	settlementdomain "github.com/smallbiznis/streampay/internal/settlement/domain"
	"gorm.io/gorm"
)

// TimeAccelerator rewrites timestamps relative to a reference clock.
type TimeAccelerator struct {
	db  *gorm.DB
	now func() time.Time
}

func NewTimeAccelerator(db *gorm.DB, now func() time.Time) *TimeAccelerator {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &TimeAccelerator{db: db, now: now}
}

// IdleSession pushes last activity back so the session looks idle for d.
func (ta *TimeAccelerator) IdleSession(ctx context.Context, sessionID snowflake.ID, d time.Duration) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE sessions SET last_activity_at = ? WHERE id = ?`,
		ta.now().Add(-d),
		sessionID,
	).Error
}

// AgeSession moves both creation and last activity back by d.
func (ta *TimeAccelerator) AgeSession(ctx context.Context, sessionID snowflake.ID, d time.Duration) error {
	now := ta.now()
	return ta.db.WithContext(ctx).Exec(
		`UPDATE sessions SET created_at = ?, last_activity_at = ? WHERE id = ?`,
		now.Add(-d),
		now.Add(-d),
		sessionID,
	).Error
}

// AgePendingSettlements makes every pending settlement look d old and
// returns how many were touched.
func (ta *TimeAccelerator) AgePendingSettlements(ctx context.Context, d time.Duration) (int64, error) {
	result := ta.db.WithContext(ctx).Exec(
		`UPDATE settlements SET created_at = ? WHERE status = ?`,
		ta.now().Add(-d),
		settlementdomain.StatusPending,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// SessionInfo shows current counters for debugging.
type SessionInfo struct {
	ID                snowflake.ID
	Status            sessiondomain.Status
	ChunksConsumed    int64
	ChunksSettled     int64
	MaxApprovedChunks int64
	IdleFor           time.Duration
}

func (ta *TimeAccelerator) GetSessionInfo(ctx context.Context, sessionID snowflake.ID) (*SessionInfo, error) {
	var session sessiondomain.Session
	if err := ta.db.WithContext(ctx).Where("id = ?", sessionID).First(&session).Error; err != nil {
		return nil, err
	}
	return &SessionInfo{
		ID:                session.ID,
		Status:            session.Status,
		ChunksConsumed:    session.ChunksConsumed,
		ChunksSettled:     session.ChunksSettled,
		MaxApprovedChunks: session.MaxApprovedChunks,
		IdleFor:           ta.now().Sub(session.LastActivityAt),
	}, nil
}

// CountPending returns the number of in-flight settlements.
func (ta *TimeAccelerator) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := ta.db.WithContext(ctx).
		Model(&settlementdomain.Settlement{}).
		Where("status = ?", settlementdomain.StatusPending).
		Count(&count).Error
	return count, err
}
