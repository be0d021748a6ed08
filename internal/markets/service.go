// Package markets implements the 15-minute up/down pari-mutuel engine:
// configuration, the market lifecycle, bet placement and settlement.
package markets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/leafsii/pm15-backend/internal/db"
	"github.com/leafsii/pm15-backend/internal/db/interfaces"
	"github.com/leafsii/pm15-backend/internal/escrow"
	"github.com/leafsii/pm15-backend/internal/metrics"
	"github.com/leafsii/pm15-backend/internal/prices"
)

const (
	TableConfig    interfaces.Table = "config"
	TableMarkets   interfaces.Table = "markets"
	TablePositions interfaces.Table = "positions"

	configKey = "singleton"
)

// Tables lists every table the engine and its ledger need.
func Tables() []interfaces.Table {
	return append([]interfaces.Table{TableConfig, TableMarkets, TablePositions}, escrow.Tables...)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// Publisher receives engine events after each commit.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// Options configures an Engine.
type Options struct {
	DB        interfaces.Database
	Ledger    *escrow.Ledger
	Authority *escrow.Authority
	Oracle    prices.Oracle
	Clock     Clock
	// FeedID is the single supported price feed, fixed into Config at initialization.
	FeedID    string
	Publisher Publisher
	Metrics   *metrics.Metrics
	Logger    *zap.SugaredLogger
	// CheckInvariants re-validates result/status agreement on every market write.
	CheckInvariants bool
}

// Engine runs every operation as one atomic transaction over the record
// store and the escrow ledger.
type Engine struct {
	db              interfaces.Database
	ledger          *escrow.Ledger
	authority       *escrow.Authority
	oracle          prices.Oracle
	clock           Clock
	feedID          string
	events          Publisher
	metrics         *metrics.Metrics
	logger          *zap.SugaredLogger
	checkInvariants bool
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.DB == nil {
		return nil, errors.New("markets: database is required")
	}
	if opts.Authority == nil {
		return nil, errors.New("markets: escrow authority is required")
	}
	if opts.Oracle == nil {
		return nil, errors.New("markets: oracle is required")
	}
	if strings.TrimSpace(opts.FeedID) == "" {
		return nil, errors.New("markets: feed id is required")
	}
	if opts.Ledger == nil {
		opts.Ledger = escrow.NewLedger(opts.DB)
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}

	return &Engine{
		db:              opts.DB,
		ledger:          opts.Ledger,
		authority:       opts.Authority,
		oracle:          opts.Oracle,
		clock:           opts.Clock,
		feedID:          "0x" + prices.NormalizeFeedID(opts.FeedID),
		events:          opts.Publisher,
		metrics:         opts.Metrics,
		logger:          opts.Logger,
		checkInvariants: opts.CheckInvariants,
	}, nil
}

// Ledger exposes the escrow ledger for balance queries and deposits.
func (e *Engine) Ledger() *escrow.Ledger {
	return e.ledger
}

// FeedID returns the configured price feed.
func (e *Engine) FeedID() string {
	return e.feedID
}

// Oracle returns the oracle used for creation and resolution.
func (e *Engine) Oracle() prices.Oracle {
	return e.oracle
}

func (e *Engine) now() time.Time {
	return e.clock.Now()
}

// loadConfig reads the config outside any write transaction; it never
// changes after initialization so no row lock is needed.
func (e *Engine) loadConfig(ctx context.Context) (Config, error) {
	var cfg Config
	err := e.db.View(ctx, func(ctx context.Context, tx interfaces.Transaction) error {
		var err error
		cfg, err = getConfig(ctx, tx)
		return err
	})
	return cfg, err
}

func getConfig(ctx context.Context, tx interfaces.Transaction) (Config, error) {
	cfg, err := db.GetJSON[Config](ctx, tx, TableConfig, configKey)
	if errors.Is(err, interfaces.ErrNotFound) {
		return Config{}, ErrNotInitialized
	}
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func getMarket(ctx context.Context, tx interfaces.Transaction, key MarketKey) (Market, error) {
	m, err := db.GetJSON[Market](ctx, tx, TableMarkets, key.String())
	if errors.Is(err, interfaces.ErrNotFound) {
		return Market{}, fmt.Errorf("%w: %s", ErrMarketNotFound, key)
	}
	if err != nil {
		return Market{}, fmt.Errorf("load market %s: %w", key, err)
	}
	return m, nil
}

func (e *Engine) putMarket(ctx context.Context, tx interfaces.Transaction, m Market) error {
	if e.checkInvariants {
		if err := m.CheckInvariant(); err != nil {
			e.logger.Errorw("Market invariant violated", "market", m.Key().String(), "error", err)
			return err
		}
	}
	return db.PutJSON(ctx, tx, TableMarkets, m.Key().String(), m)
}

// getPosition returns the position and whether it exists.
func getPosition(ctx context.Context, tx interfaces.Transaction, participant string, key MarketKey) (Position, bool, error) {
	p, err := db.GetJSON[Position](ctx, tx, TablePositions, positionKey(participant, key))
	if errors.Is(err, interfaces.ErrNotFound) {
		return Position{}, false, nil
	}
	if err != nil {
		return Position{}, false, fmt.Errorf("load position: %w", err)
	}
	return p, true, nil
}

func putPosition(ctx context.Context, tx interfaces.Transaction, p Position) error {
	return db.PutJSON(ctx, tx, TablePositions, positionKey(p.Participant, p.MarketKey()), p)
}

func (e *Engine) marketKey(cfg Config, startTs int64) MarketKey {
	return MarketKey{FeedID: cfg.AllowedFeedID, StartTs: startTs}
}

func validateParticipant(participant string) error {
	if strings.TrimSpace(participant) == "" || strings.Contains(participant, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidParticipant, participant)
	}
	if escrow.IsDerived(escrow.AccountID(participant)) {
		return fmt.Errorf("%w: %q is an engine account", ErrInvalidParticipant, participant)
	}
	return nil
}
