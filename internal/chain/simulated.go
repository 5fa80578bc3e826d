package chain

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"

	"github.com/btcsuite/btcutil/base58"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/smallbiznis/streampay/internal/clock"
)

// Simulated is an in-process ledger for local runs and tests. It dedupes by
// request id and confirms a receipt after confirmAfter status polls.
type Simulated struct {
	mu           sync.Mutex
	clock        clock.Clock
	slot         uint64
	confirmAfter int
	receipts     map[string]*simulatedEntry
}

type simulatedEntry struct {
	receipt Receipt
	polls   int
}

func NewSimulated(clk clock.Clock, confirmAfter int) *Simulated {
	if confirmAfter < 0 {
		confirmAfter = 0
	}
	return &Simulated{
		clock:        clk,
		slot:         1_000,
		confirmAfter: confirmAfter,
		receipts:     map[string]*simulatedEntry{},
	}
}

func (s *Simulated) SubmitSettlement(ctx context.Context, batch Batch) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if strings.TrimSpace(batch.RequestID) == "" {
		return Receipt{}, fmt.Errorf("%w: missing request id", ErrRejected)
	}
	if batch.ChunkCount <= 0 || batch.TotalPayment <= 0 {
		return Receipt{}, fmt.Errorf("%w: empty batch", ErrRejected)
	}
	if batch.PlatformFee < 0 || batch.CreatorAmount < 0 || batch.PlatformFee+batch.CreatorAmount != batch.TotalPayment {
		return Receipt{}, fmt.Errorf("%w: split does not reconcile", ErrRejected)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.receipts[batch.RequestID]; ok {
		return existing.receipt, nil
	}

	s.slot++
	receipt := Receipt{
		RequestID:     batch.RequestID,
		Signature:     simulatedSignature(batch.RequestID, s.slot),
		Confirmed:     s.confirmAfter == 0,
		Slot:          s.slot,
		BlockTime:     s.clock.Now().Unix(),
		ChunkCount:    batch.ChunkCount,
		TotalPayment:  batch.TotalPayment,
		PlatformFee:   batch.PlatformFee,
		CreatorAmount: batch.CreatorAmount,
	}
	s.receipts[batch.RequestID] = &simulatedEntry{receipt: receipt}
	return receipt, nil
}

func (s *Simulated) GetStatus(ctx context.Context, requestID string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.receipts[requestID]
	if !ok {
		return Receipt{}, ErrNotFound
	}
	entry.polls++
	if !entry.receipt.Confirmed && entry.polls >= s.confirmAfter {
		entry.receipt.Confirmed = true
	}
	return entry.receipt, nil
}

// Submissions returns how many distinct batches the ledger has accepted.
func (s *Simulated) Submissions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.receipts)
}

// simulatedSignature derives a 64-byte, base58 encoded signature.
func simulatedSignature(requestID string, slot uint64) string {
	var slotBytes [8]byte
	binary.BigEndian.PutUint64(slotBytes[:], slot)
	first := ethcrypto.Keccak256([]byte(requestID), slotBytes[:])
	second := ethcrypto.Keccak256(first, []byte(requestID))
	return base58.Encode(append(first, second...))
}
