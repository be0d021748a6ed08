package markets

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leafsii/pm15-backend/internal/db"
	"github.com/leafsii/pm15-backend/internal/escrow"
	"github.com/leafsii/pm15-backend/internal/metrics"
	"github.com/leafsii/pm15-backend/internal/prices"
	"github.com/leafsii/pm15-backend/internal/prices/mock"
	"github.com/leafsii/pm15-backend/internal/store"
)

const (
	testFeed    = prices.FeedSOLUSD
	testAdmin   = "admin"
	baseNow     = int64(1_700_000_000)
	testStartTs = baseNow + 60
	testEndTs   = testStartTs + MarketDuration
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(unix int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.Unix(unix, 0)
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	engine *Engine
	oracle *mock.Generator
	clock  *testClock
	hub    *store.PubSubHub
}

// newUninitialized builds an engine over a fresh memory store without a config.
func newUninitialized(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	database := db.NewInMemoryDatabase()
	require.NoError(t, db.ConnectAndMigrate(ctx, database, Tables()))

	clock := &testClock{}
	clock.Set(baseNow)
	oracle := mock.NewGenerator(nil, testFeed, 10000, -2, 0, 1)
	hub := store.NewPubSubHub()

	engine, err := NewEngine(Options{
		DB:              database,
		Authority:       escrow.NewAuthority("pm15-engine"),
		Oracle:          oracle,
		Clock:           clock,
		FeedID:          testFeed,
		Publisher:       hub,
		Metrics:         metrics.NewNoop(),
		CheckInvariants: true,
	})
	require.NoError(t, err)

	return &fixture{t: t, ctx: ctx, engine: engine, oracle: oracle, clock: clock, hub: hub}
}

func newFixture(t *testing.T, feeBps uint16) *fixture {
	t.Helper()
	f := newUninitialized(t)
	_, err := f.engine.InitializeConfig(f.ctx, InitParams{
		Authority:           testAdmin,
		FeeBps:              feeBps,
		MinBet:              DefaultMinBet,
		MaxStalenessSeconds: DefaultMaxStalenessSeconds,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) fund(participant string, amount uint64) {
	f.t.Helper()
	_, err := f.engine.Ledger().Deposit(f.ctx, escrow.AccountID(participant), amount)
	require.NoError(f.t, err)
}

func (f *fixture) balance(account escrow.AccountID) uint64 {
	f.t.Helper()
	bal, err := f.engine.Ledger().Balance(f.ctx, account)
	require.NoError(f.t, err)
	return bal
}

func (f *fixture) open(startTs int64) Market {
	f.t.Helper()
	m, err := f.engine.CreateMarket(f.ctx, startTs)
	require.NoError(f.t, err)
	return m
}

func (f *fixture) bet(startTs int64, participant string, side Side, gross uint64) BetReceipt {
	f.t.Helper()
	r, err := f.engine.PlaceBet(f.ctx, startTs, participant, side, gross)
	require.NoError(f.t, err)
	return r
}

// settleAt closes the market at its end and resolves it against endPrice.
func (f *fixture) settleAt(startTs, endPrice int64) Market {
	f.t.Helper()
	f.clock.Set(startTs + MarketDuration)
	_, err := f.engine.CloseMarket(f.ctx, startTs)
	require.NoError(f.t, err)
	f.oracle.SetPrice(endPrice, -2)
	m, err := f.engine.ResolveMarket(f.ctx, startTs)
	require.NoError(f.t, err)
	return m
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	auth := escrow.NewAuthority("x")
	oracle := mock.NewGenerator(nil, testFeed, 1, 0, 0, 1)
	database := db.NewInMemoryDatabase()

	_, err := NewEngine(Options{Authority: auth, Oracle: oracle, FeedID: testFeed})
	require.Error(t, err)
	_, err = NewEngine(Options{DB: database, Oracle: oracle, FeedID: testFeed})
	require.Error(t, err)
	_, err = NewEngine(Options{DB: database, Authority: auth, FeedID: testFeed})
	require.Error(t, err)
	_, err = NewEngine(Options{DB: database, Authority: auth, Oracle: oracle, FeedID: " "})
	require.Error(t, err)

	e, err := NewEngine(Options{DB: database, Authority: auth, Oracle: oracle, FeedID: "EF0D8B6FDA2CEBA41DA15D4095D1DA392A0D2F8ED0C6C7BC0F4CFAC8C280B56D"})
	require.NoError(t, err)
	require.Equal(t, "0xef0d8b6fda2ceba41da15d4095d1da392a0d2f8ed0c6c7bc0f4cfac8c280b56d", e.FeedID())
}
