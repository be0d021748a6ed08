// Package escrow is the custody ledger: participant balances plus
// engine-controlled accounts (market vaults and the treasury).
package escrow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/leafsii/pm15-backend/internal/calc"
	"github.com/leafsii/pm15-backend/internal/db"
	"github.com/leafsii/pm15-backend/internal/db/interfaces"
)

const (
	TableBalances           interfaces.Table = "balances"
	TableControlledAccounts interfaces.Table = "controlled_accounts"
)

// Tables lists the tables the ledger needs migrated.
var Tables = []interfaces.Table{TableBalances, TableControlledAccounts}

type balanceRecord struct {
	Account   AccountID `json:"account"`
	Amount    uint64    `json:"amount"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ControlledAccount describes an account whose outflows need an Authority.
type ControlledAccount struct {
	Account   AccountID `json:"account"`
	Owner     string    `json:"owner"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"createdAt"`
}

// Ledger moves balances inside caller-supplied transactions so that fund
// movements commit together with the records that justify them.
type Ledger struct {
	db  interfaces.Database
	now func() time.Time
}

func NewLedger(database interfaces.Database) *Ledger {
	return &Ledger{db: database, now: time.Now}
}

// Deposit credits amount to account in its own transaction and returns the new balance.
func (l *Ledger) Deposit(ctx context.Context, account AccountID, amount uint64) (uint64, error) {
	var balance uint64
	err := l.db.Transaction(ctx, func(ctx context.Context, tx interfaces.Transaction) error {
		if err := l.DepositTx(ctx, tx, account, amount); err != nil {
			return err
		}
		var err error
		balance, err = l.BalanceTx(ctx, tx, account)
		return err
	})
	return balance, err
}

// Balance returns the committed balance of account. Unknown accounts hold zero.
func (l *Ledger) Balance(ctx context.Context, account AccountID) (uint64, error) {
	var balance uint64
	err := l.db.View(ctx, func(ctx context.Context, tx interfaces.Transaction) error {
		var err error
		balance, err = l.BalanceTx(ctx, tx, account)
		return err
	})
	return balance, err
}

// Controlled returns the controlled-account record for account.
func (l *Ledger) Controlled(ctx context.Context, account AccountID) (ControlledAccount, error) {
	var out ControlledAccount
	err := l.db.View(ctx, func(ctx context.Context, tx interfaces.Transaction) error {
		var err error
		out, err = db.GetJSON[ControlledAccount](ctx, tx, TableControlledAccounts, string(account))
		return err
	})
	return out, err
}

func (l *Ledger) BalanceTx(ctx context.Context, tx interfaces.Transaction, account AccountID) (uint64, error) {
	rec, err := l.load(ctx, tx, account)
	if err != nil {
		return 0, err
	}
	return rec.Amount, nil
}

func (l *Ledger) DepositTx(ctx context.Context, tx interfaces.Transaction, account AccountID, amount uint64) error {
	if err := validate(account); err != nil {
		return err
	}
	if amount == 0 {
		return nil
	}
	rec, err := l.load(ctx, tx, account)
	if err != nil {
		return err
	}
	if rec.Amount, err = calc.CheckedAdd(rec.Amount, amount); err != nil {
		return fmt.Errorf("escrow: deposit to %s: %w", account, err)
	}
	return l.store(ctx, tx, rec)
}

// ProvisionTx registers account as controlled by auth and opens its zero
// balance row. Provisioning an id twice fails.
func (l *Ledger) ProvisionTx(ctx context.Context, tx interfaces.Transaction, auth *Authority, account AccountID, label string) error {
	if auth == nil {
		return ErrNotControlled
	}
	if err := validate(account); err != nil {
		return err
	}
	err := db.InsertJSON(ctx, tx, TableControlledAccounts, string(account), ControlledAccount{
		Account:   account,
		Owner:     auth.ID(),
		Label:     label,
		CreatedAt: l.now().UTC(),
	})
	if errors.Is(err, interfaces.ErrUniqueConstraint) {
		return fmt.Errorf("%w: %s", ErrAccountExists, account)
	}
	if err != nil {
		return err
	}
	return l.create(ctx, tx, account)
}

// TransferTx moves funds on behalf of the owner of from. Controlled accounts
// cannot be drained this way.
func (l *Ledger) TransferTx(ctx context.Context, tx interfaces.Transaction, from, to AccountID, amount uint64) error {
	controlled, err := l.isControlled(ctx, tx, from)
	if err != nil {
		return err
	}
	if controlled || IsDerived(from) {
		return fmt.Errorf("%w: %s", ErrControlledAccount, from)
	}
	return l.move(ctx, tx, from, to, amount)
}

// AuthorizedWithdrawTx moves funds out of a controlled account owned by auth.
func (l *Ledger) AuthorizedWithdrawTx(ctx context.Context, tx interfaces.Transaction, auth *Authority, controlled, to AccountID, amount uint64) error {
	if auth == nil {
		return ErrNotControlled
	}
	acct, err := db.GetJSON[ControlledAccount](ctx, tx, TableControlledAccounts, string(controlled))
	if errors.Is(err, interfaces.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotControlled, controlled)
	}
	if err != nil {
		return err
	}
	if acct.Owner != auth.ID() {
		return fmt.Errorf("%w: %s", ErrNotControlled, controlled)
	}
	return l.move(ctx, tx, controlled, to, amount)
}

func (l *Ledger) move(ctx context.Context, tx interfaces.Transaction, from, to AccountID, amount uint64) error {
	if err := validate(from); err != nil {
		return err
	}
	if err := validate(to); err != nil {
		return err
	}
	if from == to {
		return ErrSameAccount
	}
	if amount == 0 {
		return nil
	}

	// lock rows in a global order so concurrent transfers cannot deadlock
	ids := []AccountID{from, to}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	recs := make(map[AccountID]balanceRecord, 2)
	for _, id := range ids {
		rec, err := l.load(ctx, tx, id)
		if err != nil {
			return err
		}
		recs[id] = rec
	}

	src, dst := recs[from], recs[to]
	if src.Amount < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientFunds, from, src.Amount, amount)
	}
	src.Amount -= amount
	var err error
	if dst.Amount, err = calc.CheckedAdd(dst.Amount, amount); err != nil {
		return fmt.Errorf("escrow: credit %s: %w", to, err)
	}

	if err := l.store(ctx, tx, src); err != nil {
		return err
	}
	return l.store(ctx, tx, dst)
}

func (l *Ledger) isControlled(ctx context.Context, tx interfaces.Transaction, account AccountID) (bool, error) {
	_, err := tx.Get(ctx, TableControlledAccounts, string(account))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, interfaces.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// load returns the balance row for account. A writable transaction creates a
// missing row first: a row lock taken on an absent key guards nothing, so
// two first credits would otherwise both start from zero.
func (l *Ledger) load(ctx context.Context, tx interfaces.Transaction, account AccountID) (balanceRecord, error) {
	rec, err := db.GetJSON[balanceRecord](ctx, tx, TableBalances, string(account))
	if !errors.Is(err, interfaces.ErrNotFound) {
		return rec, err
	}
	if tx.ReadOnly() {
		return balanceRecord{Account: account}, nil
	}
	if err := l.create(ctx, tx, account); err != nil {
		return balanceRecord{}, err
	}
	return db.GetJSON[balanceRecord](ctx, tx, TableBalances, string(account))
}

// create inserts a zero balance row unless one already exists.
func (l *Ledger) create(ctx context.Context, tx interfaces.Transaction, account AccountID) error {
	err := db.InsertJSON(ctx, tx, TableBalances, string(account), balanceRecord{
		Account:   account,
		UpdatedAt: l.now().UTC(),
	})
	if errors.Is(err, interfaces.ErrUniqueConstraint) {
		return nil
	}
	return err
}

func (l *Ledger) store(ctx context.Context, tx interfaces.Transaction, rec balanceRecord) error {
	rec.UpdatedAt = l.now().UTC()
	return db.PutJSON(ctx, tx, TableBalances, string(rec.Account), rec)
}
