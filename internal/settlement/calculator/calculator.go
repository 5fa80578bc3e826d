// Package calculator computes the payment split for a batch of chunks.
//
// The platform fee is floor(total * feeBps / 10000) and the creator amount is
// always derived as total - fee, so the two parts reconcile exactly. Products
// are taken in 256-bit space before narrowing back to int64.
package calculator

import (
	"errors"

	"github.com/holiman/uint256"
	"github.com/smallbiznis/streampay/internal/config"
	settlementdomain "github.com/smallbiznis/streampay/internal/settlement/domain"
)

var (
	ErrNegativeInput  = errors.New("calculator_negative_input")
	ErrInvalidFeeRate = errors.New("calculator_invalid_fee_rate")
	ErrAmountOverflow = errors.New("calculator_amount_overflow")
)

// Compute returns the preview for unsettled chunks at pricePerChunk.
// Zero unsettled chunks yield a zero-amount preview and no error.
func Compute(unsettled, pricePerChunk, maxApproved, consumed, feeBps int64) (settlementdomain.Preview, error) {
	if unsettled < 0 || pricePerChunk < 0 || maxApproved < 0 || consumed < 0 {
		return settlementdomain.Preview{}, ErrNegativeInput
	}
	if feeBps < 0 || feeBps > config.BasisPointsDenominator {
		return settlementdomain.Preview{}, ErrInvalidFeeRate
	}

	remaining := maxApproved - consumed
	if remaining < 0 {
		remaining = 0
	}
	preview := settlementdomain.Preview{
		UnsettledChunks: unsettled,
		PricePerChunk:   pricePerChunk,
		ChunksRemaining: remaining,
	}
	if unsettled == 0 {
		return preview, nil
	}

	total, err := mul(unsettled, pricePerChunk)
	if err != nil {
		return settlementdomain.Preview{}, err
	}
	fee, err := PlatformFee(total, feeBps)
	if err != nil {
		return settlementdomain.Preview{}, err
	}

	preview.TotalPayment = total
	preview.PlatformFee = fee
	preview.CreatorAmount = total - fee
	return preview, nil
}

// PlatformFee floors amount * feeBps / 10000.
func PlatformFee(amount, feeBps int64) (int64, error) {
	if amount < 0 {
		return 0, ErrNegativeInput
	}
	if feeBps < 0 || feeBps > config.BasisPointsDenominator {
		return 0, ErrInvalidFeeRate
	}
	product := new(uint256.Int).Mul(uint256.NewInt(uint64(amount)), uint256.NewInt(uint64(feeBps)))
	fee := new(uint256.Int).Div(product, uint256.NewInt(config.BasisPointsDenominator))
	return narrow(fee)
}

func mul(a, b int64) (int64, error) {
	return narrow(new(uint256.Int).Mul(uint256.NewInt(uint64(a)), uint256.NewInt(uint64(b))))
}

func narrow(v *uint256.Int) (int64, error) {
	if !v.IsUint64() || v.Uint64() > uint64(1<<63-1) {
		return 0, ErrAmountOverflow
	}
	return int64(v.Uint64()), nil
}
