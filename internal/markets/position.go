package markets

import (
	"context"
	"fmt"

	"github.com/leafsii/pm15-backend/internal/calc"
	"github.com/leafsii/pm15-backend/internal/db/interfaces"
	"github.com/leafsii/pm15-backend/internal/escrow"
)

// PlaceBet stakes gross on side. The fee goes to the treasury, the net stake
// to the market vault, and both the position and the market totals grow by
// net, all in one transaction.
func (e *Engine) PlaceBet(ctx context.Context, startTs int64, participant string, side Side, gross uint64) (BetReceipt, error) {
	if !side.Valid() {
		return BetReceipt{}, fmt.Errorf("%w: %d", ErrInvalidSide, uint8(side))
	}
	if err := validateParticipant(participant); err != nil {
		return BetReceipt{}, err
	}
	cfg, err := e.loadConfig(ctx)
	if err != nil {
		return BetReceipt{}, err
	}
	now := e.now().Unix()
	key := e.marketKey(cfg, startTs)

	receipt := BetReceipt{Side: side, Gross: gross}
	err = e.db.Transaction(ctx, func(ctx context.Context, tx interfaces.Transaction) error {
		m, err := getMarket(ctx, tx, key)
		if err != nil {
			return err
		}
		if m.Status != StatusOpen {
			return fmt.Errorf("%w: %s is %s", ErrMarketNotOpen, key, m.Status)
		}
		if now >= m.EndTs {
			return fmt.Errorf("%w: ended at %d, now %d", ErrMarketEnded, m.EndTs, now)
		}
		if gross < cfg.MinBet {
			return fmt.Errorf("%w: %d < %d", ErrBetTooSmall, gross, cfg.MinBet)
		}

		fee, net, err := calc.SplitFee(gross, cfg.FeeBps)
		if err != nil {
			return err
		}

		pos, exists, err := getPosition(ctx, tx, participant, key)
		if err != nil {
			return err
		}
		if !exists {
			pos = Position{FeedID: m.FeedID, StartTs: m.StartTs, Participant: participant, CreatedAt: now}
		}

		switch side {
		case SideUp:
			if pos.UpNet, err = calc.CheckedAdd(pos.UpNet, net); err != nil {
				return err
			}
			if m.TotalUp, err = calc.CheckedAdd(m.TotalUp, net); err != nil {
				return err
			}
		case SideDown:
			if pos.DownNet, err = calc.CheckedAdd(pos.DownNet, net); err != nil {
				return err
			}
			if m.TotalDown, err = calc.CheckedAdd(m.TotalDown, net); err != nil {
				return err
			}
		}

		from := escrow.AccountID(participant)
		if err := e.ledger.TransferTx(ctx, tx, from, cfg.Treasury, fee); err != nil {
			return fmt.Errorf("collect fee: %w", err)
		}
		if err := e.ledger.TransferTx(ctx, tx, from, m.Vault, net); err != nil {
			return fmt.Errorf("escrow stake: %w", err)
		}
		if err := putPosition(ctx, tx, pos); err != nil {
			return err
		}
		if err := e.putMarket(ctx, tx, m); err != nil {
			return err
		}

		receipt.Fee, receipt.Net = fee, net
		receipt.Position, receipt.Market = pos, m
		return nil
	})
	if err != nil {
		return BetReceipt{}, err
	}

	e.logger.Infow("Bet placed",
		"startTs", startTs,
		"participant", participant,
		"side", side.String(),
		"gross", gross,
		"fee", receipt.Fee,
		"net", receipt.Net,
	)
	e.metrics.RecordBet(ctx, side.String(), gross, receipt.Fee)
	e.publish(ctx, Event{
		Type:        EventBetPlaced,
		Market:      &receipt.Market,
		Participant: participant,
		Side:        &side,
		Amount:      receipt.Net,
		Fee:         receipt.Fee,
	})
	return receipt, nil
}

// Claim pays a position out of the market vault and marks it claimed. The
// claimed check, the flag update and the transfer commit together, so a
// position is paid at most once.
func (e *Engine) Claim(ctx context.Context, startTs int64, participant string) (ClaimReceipt, error) {
	if err := validateParticipant(participant); err != nil {
		return ClaimReceipt{}, err
	}
	cfg, err := e.loadConfig(ctx)
	if err != nil {
		return ClaimReceipt{}, err
	}
	now := e.now().Unix()
	key := e.marketKey(cfg, startTs)

	var receipt ClaimReceipt
	err = e.db.Transaction(ctx, func(ctx context.Context, tx interfaces.Transaction) error {
		m, err := getMarket(ctx, tx, key)
		if err != nil {
			return err
		}
		if !m.Status.Settled() {
			return fmt.Errorf("%w: %s is %s", ErrMarketNotResolved, key, m.Status)
		}
		pos, exists, err := getPosition(ctx, tx, participant, key)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %s in %s", ErrPositionNotFound, participant, key)
		}
		if pos.Claimed {
			return ErrAlreadyClaimed
		}

		payout, err := ComputePayout(m, pos)
		if err != nil {
			return err
		}
		if err := e.ledger.AuthorizedWithdrawTx(ctx, tx, e.authority, m.Vault, escrow.AccountID(participant), payout); err != nil {
			return fmt.Errorf("pay out: %w", err)
		}

		pos.Claimed = true
		pos.Payout = payout
		pos.ClaimedAt = now
		if err := putPosition(ctx, tx, pos); err != nil {
			return err
		}

		receipt = ClaimReceipt{Payout: payout, Position: pos, Market: m}
		return nil
	})
	if err != nil {
		e.metrics.RecordClaim(ctx, Code(err), 0)
		return ClaimReceipt{}, err
	}

	e.logger.Infow("Position claimed",
		"startTs", startTs,
		"participant", participant,
		"payout", receipt.Payout,
		"status", receipt.Market.Status.String(),
		"result", receipt.Market.Result.String(),
	)
	e.metrics.RecordClaim(ctx, "paid", receipt.Payout)
	e.publish(ctx, Event{
		Type:        EventPositionClaimed,
		Market:      &receipt.Market,
		Position:    &receipt.Position,
		Participant: participant,
		Amount:      receipt.Payout,
	})
	return receipt, nil
}

// WithdrawFees moves amount from the treasury to destination. Only the
// config authority may call it; the ledger bounds it by the treasury balance.
// A zero amount is rejected with ErrInvalidAmount rather than accepted as a
// no-op transfer, so an empty withdrawal never emits a fees.withdrawn event.
func (e *Engine) WithdrawFees(ctx context.Context, caller string, destination escrow.AccountID, amount uint64) (uint64, error) {
	cfg, err := e.loadConfig(ctx)
	if err != nil {
		return 0, err
	}
	if caller != cfg.Authority {
		return 0, ErrUnauthorized
	}
	if amount == 0 {
		return 0, ErrInvalidAmount
	}

	var remaining uint64
	err = e.db.Transaction(ctx, func(ctx context.Context, tx interfaces.Transaction) error {
		if err := e.ledger.AuthorizedWithdrawTx(ctx, tx, e.authority, cfg.Treasury, destination, amount); err != nil {
			return err
		}
		var err error
		remaining, err = e.ledger.BalanceTx(ctx, tx, cfg.Treasury)
		return err
	})
	if err != nil {
		return 0, err
	}

	e.logger.Infow("Fees withdrawn", "destination", destination, "amount", amount, "remaining", remaining)
	e.publish(ctx, Event{Type: EventFeesWithdrawn, Participant: string(destination), Amount: amount})
	return remaining, nil
}
