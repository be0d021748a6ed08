package markets

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/leafsii/pm15-backend/internal/calc"
	"github.com/leafsii/pm15-backend/internal/db"
	"github.com/leafsii/pm15-backend/internal/db/interfaces"
	"github.com/leafsii/pm15-backend/internal/escrow"
	"github.com/leafsii/pm15-backend/internal/prices"
)

// VaultAccount returns the engine-derived escrow account for a market.
func (e *Engine) VaultAccount(key MarketKey) escrow.AccountID {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(key.StartTs))
	return e.authority.Derive([]byte("market"), []byte(prices.NormalizeFeedID(key.FeedID)), ts[:])
}

// readOracle fetches a sample under the config bound; every failure is a StalePrice.
func (e *Engine) readOracle(ctx context.Context, cfg Config) (prices.Sample, error) {
	sample, err := e.oracle.GetPrice(ctx, cfg.AllowedFeedID, cfg.MaxStaleness(), e.now())
	if err != nil {
		if errors.Is(err, prices.ErrStalePrice) {
			return prices.Sample{}, err
		}
		return prices.Sample{}, fmt.Errorf("%w: %v", ErrStalePrice, err)
	}
	return sample, nil
}

// CreateMarket opens the market starting at startTs, anchored to a fresh
// oracle sample, and provisions its vault.
func (e *Engine) CreateMarket(ctx context.Context, startTs int64) (Market, error) {
	cfg, err := e.loadConfig(ctx)
	if err != nil {
		return Market{}, err
	}
	now := e.now()
	if startTs <= now.Unix() {
		return Market{}, fmt.Errorf("%w: start %d, now %d", ErrInvalidStartTime, startTs, now.Unix())
	}
	endTs, err := calc.CheckedAddInt64(startTs, MarketDuration)
	if err != nil {
		return Market{}, fmt.Errorf("market end for start %d: %w", startTs, err)
	}

	sample, err := e.readOracle(ctx, cfg)
	if err != nil {
		e.logger.Warnw("Oracle read failed on create", "startTs", startTs, "error", err)
		return Market{}, err
	}

	key := e.marketKey(cfg, startTs)
	m := Market{
		FeedID:     cfg.AllowedFeedID,
		StartTs:    startTs,
		EndTs:      endTs,
		StartPrice: sample.Price,
		StartExpo:  sample.Expo,
		Status:     StatusOpen,
		Result:     ResultUnset,
		Vault:      e.VaultAccount(key),
		CreatedAt:  now.Unix(),
	}

	err = e.db.Transaction(ctx, func(ctx context.Context, tx interfaces.Transaction) error {
		if e.checkInvariants {
			if err := m.CheckInvariant(); err != nil {
				return err
			}
		}
		if err := db.InsertJSON(ctx, tx, TableMarkets, key.String(), m); err != nil {
			if errors.Is(err, interfaces.ErrUniqueConstraint) {
				return fmt.Errorf("%w: %s", ErrMarketExists, key)
			}
			return err
		}
		return e.ledger.ProvisionTx(ctx, tx, e.authority, m.Vault, "market:"+key.String())
	})
	if err != nil {
		return Market{}, err
	}

	e.logger.Infow("Market created",
		"startTs", m.StartTs,
		"endTs", m.EndTs,
		"startPrice", m.StartPrice,
		"startExpo", m.StartExpo,
		"vault", m.Vault,
	)
	e.metrics.RecordTransition(ctx, StatusOpen.String())
	e.publish(ctx, Event{Type: EventMarketCreated, Market: &m})
	return m, nil
}

// CloseMarket moves an Open market whose window has ended to Closed.
func (e *Engine) CloseMarket(ctx context.Context, startTs int64) (Market, error) {
	cfg, err := e.loadConfig(ctx)
	if err != nil {
		return Market{}, err
	}
	now := e.now().Unix()
	key := e.marketKey(cfg, startTs)

	var m Market
	err = e.db.Transaction(ctx, func(ctx context.Context, tx interfaces.Transaction) error {
		var err error
		if m, err = getMarket(ctx, tx, key); err != nil {
			return err
		}
		if m.Status != StatusOpen {
			return fmt.Errorf("%w: %s is %s", ErrMarketNotOpen, key, m.Status)
		}
		if now < m.EndTs {
			return fmt.Errorf("%w: ends at %d, now %d", ErrMarketNotEnded, m.EndTs, now)
		}
		m.Status = StatusClosed
		m.ClosedAt = now
		return e.putMarket(ctx, tx, m)
	})
	if err != nil {
		return Market{}, err
	}

	e.logger.Infow("Market closed", "startTs", m.StartTs, "totalUp", m.TotalUp, "totalDown", m.TotalDown)
	e.metrics.RecordTransition(ctx, StatusClosed.String())
	e.publish(ctx, Event{Type: EventMarketClosed, Market: &m})
	return m, nil
}

// ResolveMarket settles a Closed market against a fresh oracle sample. A
// market without stake on both sides is Cancelled so every bettor can be refunded.
func (e *Engine) ResolveMarket(ctx context.Context, startTs int64) (Market, error) {
	cfg, err := e.loadConfig(ctx)
	if err != nil {
		return Market{}, err
	}
	key := e.marketKey(cfg, startTs)

	// check state before paying for an oracle round trip
	var current Market
	err = e.db.View(ctx, func(ctx context.Context, tx interfaces.Transaction) error {
		var err error
		current, err = getMarket(ctx, tx, key)
		return err
	})
	if err != nil {
		return Market{}, err
	}
	if current.Status != StatusClosed {
		return Market{}, fmt.Errorf("%w: %s is %s", ErrMarketNotClosed, key, current.Status)
	}

	sample, err := e.readOracle(ctx, cfg)
	if err != nil {
		e.logger.Warnw("Oracle read failed on resolve", "startTs", startTs, "error", err)
		return Market{}, err
	}
	now := e.now().Unix()

	var m Market
	err = e.db.Transaction(ctx, func(ctx context.Context, tx interfaces.Transaction) error {
		var err error
		if m, err = getMarket(ctx, tx, key); err != nil {
			return err
		}
		if m.Status != StatusClosed {
			return fmt.Errorf("%w: %s is %s", ErrMarketNotClosed, key, m.Status)
		}
		settle(&m, sample.Price, sample.Expo)
		m.SettledAt = now
		return e.putMarket(ctx, tx, m)
	})
	if err != nil {
		return Market{}, err
	}

	if m.StartExpo != m.EndExpo {
		e.logger.Warnw("Oracle exponent changed during market; prices compared as raw integers",
			"startTs", m.StartTs, "startExpo", m.StartExpo, "endExpo", m.EndExpo)
	}

	e.logger.Infow("Market settled",
		"startTs", m.StartTs,
		"status", m.Status.String(),
		"result", m.Result.String(),
		"startPrice", m.StartPrice,
		"endPrice", m.EndPrice,
		"totalUp", m.TotalUp,
		"totalDown", m.TotalDown,
	)
	e.metrics.RecordTransition(ctx, m.Status.String())
	evType := EventMarketResolved
	if m.Status == StatusCancelled {
		evType = EventMarketCancelled
	}
	e.publish(ctx, Event{Type: evType, Market: &m})
	return m, nil
}
