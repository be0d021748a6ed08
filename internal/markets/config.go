package markets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/leafsii/pm15-backend/internal/calc"
	"github.com/leafsii/pm15-backend/internal/db"
	"github.com/leafsii/pm15-backend/internal/db/interfaces"
	"github.com/leafsii/pm15-backend/internal/escrow"
)

// Protocol defaults
const (
	DefaultFeeBps              uint16 = 100
	DefaultMinBet              uint64 = 10_000_000
	DefaultMaxStalenessSeconds uint64 = 60
)

// InitParams are the arguments of InitializeConfig.
type InitParams struct {
	Authority string
	// Treasury is optional; empty selects the engine-derived treasury account.
	Treasury            escrow.AccountID
	FeeBps              uint16
	MinBet              uint64
	MaxStalenessSeconds uint64
}

// TreasuryAccount returns the default engine-derived treasury id.
func (e *Engine) TreasuryAccount() escrow.AccountID {
	return e.authority.Derive([]byte("treasury"))
}

// InitializeConfig creates the singleton config and provisions the treasury.
// It fails with ErrAlreadyInitialized once a config exists.
func (e *Engine) InitializeConfig(ctx context.Context, p InitParams) (Config, error) {
	if strings.TrimSpace(p.Authority) == "" {
		return Config{}, fmt.Errorf("%w: authority is required", ErrInvalidConfig)
	}
	if err := calc.ValidateFeeBps(p.FeeBps); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if p.MinBet == 0 {
		return Config{}, fmt.Errorf("%w: minBet must be positive", ErrInvalidConfig)
	}
	if p.MaxStalenessSeconds == 0 {
		return Config{}, fmt.Errorf("%w: maxStalenessSeconds must be positive", ErrInvalidConfig)
	}
	treasury := p.Treasury
	if treasury == "" {
		treasury = e.TreasuryAccount()
	} else if !escrow.IsDerived(treasury) {
		return Config{}, fmt.Errorf("%w: treasury %s is not an engine account", ErrInvalidConfig, treasury)
	}

	cfg := Config{
		Authority:           p.Authority,
		Treasury:            treasury,
		FeeBps:              p.FeeBps,
		MinBet:              p.MinBet,
		MaxStalenessSeconds: p.MaxStalenessSeconds,
		AllowedFeedID:       e.feedID,
		CreatedAt:           e.now().Unix(),
	}

	err := e.db.Transaction(ctx, func(ctx context.Context, tx interfaces.Transaction) error {
		if err := db.InsertJSON(ctx, tx, TableConfig, configKey, cfg); err != nil {
			if errors.Is(err, interfaces.ErrUniqueConstraint) {
				return ErrAlreadyInitialized
			}
			return err
		}
		return e.ledger.ProvisionTx(ctx, tx, e.authority, treasury, "treasury")
	})
	if err != nil {
		return Config{}, err
	}

	e.logger.Infow("Config initialized",
		"authority", cfg.Authority,
		"treasury", cfg.Treasury,
		"feeBps", cfg.FeeBps,
		"minBet", cfg.MinBet,
		"maxStalenessSeconds", cfg.MaxStalenessSeconds,
		"feed", cfg.AllowedFeedID,
	)
	return cfg, nil
}

// GetConfig returns the current config or ErrNotInitialized.
func (e *Engine) GetConfig(ctx context.Context) (Config, error) {
	return e.loadConfig(ctx)
}
