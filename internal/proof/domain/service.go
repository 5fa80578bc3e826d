package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sessiondomain "github.com/smallbiznis/streampay/internal/session/domain"
)

// ChunkIntent is the caller's claim to be allowed one more chunk.
type ChunkIntent struct {
	VideoID      string
	SegmentIndex int64
	ViewerID     string
	SessionRef   string
	Timestamp    time.Time
	Proof        string
}

type Verifier interface {
	Verify(ctx context.Context, intent ChunkIntent) (*sessiondomain.Session, error)
}

var (
	ErrProofExpired  = errors.New("proof_expired")
	ErrProofInvalid  = errors.New("proof_invalid")
	ErrProofRequired = fmt.Errorf("proof_required: %w", ErrProofInvalid)
)

// CanonicalMessage is the exact byte string a viewer signs for one chunk.
func CanonicalMessage(intent ChunkIntent) string {
	return fmt.Sprintf("streampay:chunk|video=%s|segment=%d|session=%s|ts=%d",
		strings.TrimSpace(intent.VideoID),
		intent.SegmentIndex,
		strings.TrimSpace(intent.SessionRef),
		intent.Timestamp.UnixMilli(),
	)
}
