package calc

import (
	"math/big"
	"math/bits"

	"github.com/shopspring/decimal"
)

// ProRata returns floor(pool * stake / sideTotal) using a 128-bit intermediate.
// A zero sideTotal or a quotient that does not fit in 64 bits is an overflow.
func ProRata(pool, stake, sideTotal uint64) (uint64, error) {
	if sideTotal == 0 {
		return 0, ErrOverflow
	}
	hi, lo := bits.Mul64(pool, stake)
	if hi >= sideTotal {
		return 0, ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, sideTotal)
	return q, nil
}

// PotentialPayout estimates what a net stake placed now on a side would pay if
// that side won and no further bets arrived.
func PotentialPayout(net, sideTotal, otherTotal uint64) (uint64, error) {
	side, err := CheckedAdd(sideTotal, net)
	if err != nil {
		return 0, err
	}
	pool, err := CheckedAdd(side, otherTotal)
	if err != nil {
		return 0, err
	}
	if net == 0 {
		return 0, nil
	}
	return ProRata(pool, net, side)
}

// SideShare returns the percentage (0-100) of the pool held by one side.
func SideShare(sideTotal, otherTotal uint64) decimal.Decimal {
	total := FromUint64(sideTotal).Add(FromUint64(otherTotal))
	if total.IsZero() {
		return decimal.Zero
	}
	return FromUint64(sideTotal).Div(total).Mul(decimal.NewFromInt(100)).Round(2)
}

// Multiplier is the gross return per unit of net stake on a side, poolNet/sideTotal.
func Multiplier(sideTotal, otherTotal uint64) decimal.Decimal {
	if sideTotal == 0 {
		return decimal.Zero
	}
	pool := FromUint64(sideTotal).Add(FromUint64(otherTotal))
	return pool.Div(FromUint64(sideTotal)).Round(4)
}

// FormatPrice converts an oracle mantissa and exponent into a decimal value.
func FormatPrice(price int64, expo int32) decimal.Decimal {
	return decimal.New(price, expo)
}

// FromUint64 converts a base-unit amount without going through int64.
func FromUint64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}
