package markets

import (
	"fmt"

	"github.com/leafsii/pm15-backend/internal/calc"
)

// Outcome compares raw price mantissas. Both come from the same feed and are
// compared as integers without exponent normalization.
func Outcome(startPrice, endPrice int64) Result {
	switch {
	case endPrice > startPrice:
		return ResultUp
	case endPrice < startPrice:
		return ResultDown
	default:
		return ResultPush
	}
}

// settle records the end price and moves a Closed market to its final state.
func settle(m *Market, endPrice int64, endExpo int32) {
	m.EndPrice = endPrice
	m.EndExpo = endExpo
	if m.TotalUp == 0 || m.TotalDown == 0 {
		m.Status = StatusCancelled
		m.Result = ResultUnset
		return
	}
	m.Status = StatusResolved
	m.Result = Outcome(m.StartPrice, endPrice)
}

// ComputePayout returns what a position is owed by a settled market:
// a full net refund for Cancelled or Push, a floored pro-rata share of the
// pool for the winning side, and ErrNoWinnings otherwise.
func ComputePayout(m Market, p Position) (uint64, error) {
	if !m.Status.Settled() {
		return 0, fmt.Errorf("%w: %s is %s", ErrMarketNotResolved, m.Key(), m.Status)
	}
	poolNet, err := m.PoolNet()
	if err != nil {
		return 0, err
	}

	var payout uint64
	switch {
	case m.Status == StatusCancelled || m.Result == ResultPush:
		if payout, err = calc.CheckedAdd(p.UpNet, p.DownNet); err != nil {
			return 0, err
		}
	case m.Result == ResultUp:
		if p.UpNet == 0 {
			return 0, ErrNoWinnings
		}
		if payout, err = calc.ProRata(poolNet, p.UpNet, m.TotalUp); err != nil {
			return 0, err
		}
	case m.Result == ResultDown:
		if p.DownNet == 0 {
			return 0, ErrNoWinnings
		}
		if payout, err = calc.ProRata(poolNet, p.DownNet, m.TotalDown); err != nil {
			return 0, err
		}
	default:
		return 0, ErrNoWinnings
	}

	if payout == 0 {
		return 0, ErrNoWinnings
	}
	return payout, nil
}
