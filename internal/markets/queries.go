package markets

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/leafsii/pm15-backend/internal/calc"
	"github.com/leafsii/pm15-backend/internal/db"
	"github.com/leafsii/pm15-backend/internal/db/interfaces"
	"github.com/leafsii/pm15-backend/internal/prices"
)

// Preview estimates the outcome of staking net on a side right now.
type Preview struct {
	Side            Side            `json:"side"`
	Net             uint64          `json:"net"`
	PotentialPayout uint64          `json:"potentialPayout"`
	SideShare       decimal.Decimal `json:"sideShare"`
	Multiplier      decimal.Decimal `json:"multiplier"`
}

// GetMarket returns the market starting at startTs.
func (e *Engine) GetMarket(ctx context.Context, startTs int64) (Market, error) {
	var m Market
	err := e.db.View(ctx, func(ctx context.Context, tx interfaces.Transaction) error {
		cfg, err := getConfig(ctx, tx)
		if err != nil {
			return err
		}
		m, err = getMarket(ctx, tx, e.marketKey(cfg, startTs))
		return err
	})
	return m, err
}

// ListMarkets returns markets newest first, optionally filtered by status.
// A limit of zero or less returns all of them.
func (e *Engine) ListMarkets(ctx context.Context, status *Status, limit int) ([]Market, error) {
	var all []Market
	err := e.db.View(ctx, func(ctx context.Context, tx interfaces.Transaction) error {
		var err error
		all, err = e.scanMarkets(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]Market, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if status != nil && all[i].Status != *status {
			continue
		}
		out = append(out, all[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// GetPosition returns a participant's position in the market starting at startTs.
func (e *Engine) GetPosition(ctx context.Context, startTs int64, participant string) (Position, error) {
	var pos Position
	err := e.db.View(ctx, func(ctx context.Context, tx interfaces.Transaction) error {
		cfg, err := getConfig(ctx, tx)
		if err != nil {
			return err
		}
		key := e.marketKey(cfg, startTs)
		p, ok, err := getPosition(ctx, tx, participant, key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s in %s", ErrPositionNotFound, participant, key)
		}
		pos = p
		return nil
	})
	return pos, err
}

// ListPositions returns every position of a participant, newest market first.
func (e *Engine) ListPositions(ctx context.Context, participant string) ([]Position, error) {
	if err := validateParticipant(participant); err != nil {
		return nil, err
	}
	var out []Position
	err := e.db.View(ctx, func(ctx context.Context, tx interfaces.Transaction) error {
		var err error
		out, err = db.ScanJSON[Position](ctx, tx, TablePositions, participant+"/")
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTs > out[j].StartTs })
	return out, nil
}

// Stats summarizes all markets and, when participant is set, that
// participant's open bets and unclaimed payouts.
func (e *Engine) Stats(ctx context.Context, participant string) (Stats, error) {
	var stats Stats
	err := e.db.View(ctx, func(ctx context.Context, tx interfaces.Transaction) error {
		all, err := e.scanMarkets(ctx, tx)
		if err != nil {
			return err
		}
		byStart := make(map[int64]Market, len(all))
		for _, m := range all {
			byStart[m.StartTs] = m
			if m.Status == StatusOpen {
				stats.ActiveMarkets++
			}
			pool, err := m.PoolNet()
			if err != nil {
				return err
			}
			if stats.TotalVolume, err = calc.CheckedAdd(stats.TotalVolume, pool); err != nil {
				return err
			}
		}

		if participant == "" {
			return nil
		}
		positions, err := db.ScanJSON[Position](ctx, tx, TablePositions, participant+"/")
		if err != nil {
			return err
		}
		for _, p := range positions {
			m, ok := byStart[p.StartTs]
			if !ok || !prices.SameFeed(m.FeedID, p.FeedID) {
				continue
			}
			if m.Status == StatusOpen {
				stats.UserActiveBets++
			}
			if !m.Status.Settled() || p.Claimed {
				continue
			}
			payout, err := ComputePayout(m, p)
			if errors.Is(err, ErrNoWinnings) {
				continue
			}
			if err != nil {
				return err
			}
			if stats.ClaimableWinnings, err = calc.CheckedAdd(stats.ClaimableWinnings, payout); err != nil {
				return err
			}
		}
		return nil
	})
	return stats, err
}

// PreviewPayout estimates the payout of staking net on side given the
// current totals, assuming no further bets and that side winning.
func (e *Engine) PreviewPayout(ctx context.Context, startTs int64, side Side, net uint64) (Preview, error) {
	if !side.Valid() {
		return Preview{}, fmt.Errorf("%w: %d", ErrInvalidSide, uint8(side))
	}
	m, err := e.GetMarket(ctx, startTs)
	if err != nil {
		return Preview{}, err
	}
	own, other := m.TotalUp, m.TotalDown
	if side == SideDown {
		own, other = other, own
	}
	payout, err := calc.PotentialPayout(net, own, other)
	if err != nil {
		return Preview{}, err
	}
	ownAfter, err := calc.CheckedAdd(own, net)
	if err != nil {
		return Preview{}, err
	}
	return Preview{
		Side:            side,
		Net:             net,
		PotentialPayout: payout,
		SideShare:       calc.SideShare(ownAfter, other),
		Multiplier:      calc.Multiplier(ownAfter, other),
	}, nil
}

// scanMarkets returns the configured feed's markets in start-time order.
func (e *Engine) scanMarkets(ctx context.Context, tx interfaces.Transaction) ([]Market, error) {
	return db.ScanJSON[Market](ctx, tx, TableMarkets, prices.NormalizeFeedID(e.feedID)+"/")
}
