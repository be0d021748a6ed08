package calc

import (
	"errors"
	"fmt"
	"math/bits"
)

// BpsDenominator is the number of basis points in 100%.
const BpsDenominator = 10_000

var (
	// ErrOverflow is returned when a checked operation does not fit in 64 bits.
	ErrOverflow = errors.New("arithmetic overflow")
	// ErrInvalidFeeRate is returned for fee rates above 100%.
	ErrInvalidFeeRate = errors.New("fee rate exceeds 10000 bps")
)

// SplitFee splits a gross stake into the protocol fee and the net stake.
// fee = floor(gross * feeBps / 10000) computed in 128 bits, net = gross - fee.
func SplitFee(gross uint64, feeBps uint16) (fee, net uint64, err error) {
	if feeBps > BpsDenominator {
		return 0, 0, fmt.Errorf("%w: %d", ErrInvalidFeeRate, feeBps)
	}
	hi, lo := bits.Mul64(gross, uint64(feeBps))
	// hi < feeBps <= 10000, so the quotient always fits.
	fee, _ = bits.Div64(hi, lo, BpsDenominator)
	return fee, gross - fee, nil
}

// CheckedAdd returns a+b or ErrOverflow.
func CheckedAdd(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

// CheckedAddInt64 returns a+b or ErrOverflow when the sum leaves the int64 range.
func CheckedAddInt64(a, b int64) (int64, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, ErrOverflow
	}
	return sum, nil
}

// CheckedSub returns a-b or ErrOverflow when b > a.
func CheckedSub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrOverflow
	}
	return diff, nil
}
