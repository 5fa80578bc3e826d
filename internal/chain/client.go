// Package chain talks to the external settlement ledger. The ledger is
// opaque: a batch goes in keyed by request id, a signed receipt comes back.
package chain

import (
	"context"
	"errors"
)

// Batch is one settlement submission. RequestID is the idempotency key: the
// ledger must return the original receipt when it sees the same id again.
type Batch struct {
	RequestID     string `json:"requestId"`
	SessionRef    string `json:"sessionRef"`
	ChunkCount    int64  `json:"chunkCount"`
	TotalPayment  int64  `json:"totalPayment"`
	PlatformFee   int64  `json:"platformFee"`
	CreatorAmount int64  `json:"creatorAmount"`
	CreatorID     string `json:"creatorId"`
	ViewerID      string `json:"viewerId"`
}

type Receipt struct {
	RequestID     string `json:"requestId"`
	Signature     string `json:"signature"`
	Confirmed     bool   `json:"confirmed"`
	Slot          uint64 `json:"slot,omitempty"`
	BlockTime     int64  `json:"blockTime,omitempty"`
	ChunkCount    int64  `json:"chunkCount"`
	TotalPayment  int64  `json:"totalPayment"`
	PlatformFee   int64  `json:"platformFee"`
	CreatorAmount int64  `json:"creatorAmount"`
}

type Client interface {
	SubmitSettlement(ctx context.Context, batch Batch) (Receipt, error)
	GetStatus(ctx context.Context, requestID string) (Receipt, error)
}

var (
	ErrRejected    = errors.New("chain_rejected")
	ErrNotFound    = errors.New("chain_request_not_found")
	ErrTimeout     = errors.New("chain_timeout")
	ErrUnavailable = errors.New("chain_unavailable")
)

// IsRetryable reports whether a call may be repeated with the same request id.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
