package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/leafsii/pm15-backend/internal/auth"
	"github.com/leafsii/pm15-backend/internal/db"
	"github.com/leafsii/pm15-backend/internal/escrow"
	"github.com/leafsii/pm15-backend/internal/markets"
	"github.com/leafsii/pm15-backend/internal/metrics"
	"github.com/leafsii/pm15-backend/internal/prices"
	"github.com/leafsii/pm15-backend/internal/prices/mock"
	"github.com/leafsii/pm15-backend/internal/store"
	"github.com/leafsii/pm15-backend/pkg/kv/memory"
)

const (
	baseNow = int64(1_700_000_000)
	startTs = baseNow + 60
	endTs   = startTs + markets.MarketDuration
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

type testServer struct {
	t      *testing.T
	router http.Handler
	engine *markets.Engine
	oracle *mock.Generator
	clock  *testClock
}

type serverOption func(*Options)

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	ctx := context.Background()

	database := db.NewInMemoryDatabase()
	require.NoError(t, db.ConnectAndMigrate(ctx, database, markets.Tables()))

	clock := &testClock{}
	clock.Set(baseNow)
	oracle := mock.NewGenerator(nil, prices.FeedSOLUSD, 10000, -2, 0, 1)

	engine, err := markets.NewEngine(markets.Options{
		DB:              database,
		Authority:       escrow.NewAuthority("pm15-engine"),
		Oracle:          oracle,
		Clock:           clock,
		FeedID:          prices.FeedSOLUSD,
		Publisher:       store.NewPubSubHub(),
		Metrics:         metrics.NewNoop(),
		CheckInvariants: true,
	})
	require.NoError(t, err)

	kvStore := memory.New(time.Minute)
	t.Cleanup(func() { _ = kvStore.Close() })

	o := Options{
		Engine:    engine,
		Verifier:  auth.NewVerifier(time.Minute, kvStore),
		Cache:     store.NewCache(kvStore, nil, metrics.NewNoop()),
		DevFaucet: true,
		Clock:     clock,
	}
	for _, opt := range opts {
		opt(&o)
	}
	h, err := NewHandler(o)
	require.NoError(t, err)

	m := NewMiddleware(zap.NewNop().Sugar(), metrics.NewNoop())
	return &testServer{
		t:      t,
		router: h.Routes(m, []string{"*"}, 0),
		engine: engine,
		oracle: oracle,
		clock:  clock,
	}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[ErrorResponse](t, rec).Code
}

func sign(t *testing.T, key *auth.KeyPair, req auth.Request) SignedEnvelope {
	t.Helper()
	req.Signer = key.ID()
	req.IssuedAt = time.Now().Unix()
	sig, err := key.Sign(req)
	require.NoError(t, err)
	return SignedEnvelope{Signer: req.Signer, IssuedAt: req.IssuedAt, Signature: sig}
}

func newKey(t *testing.T) *auth.KeyPair {
	t.Helper()
	k, err := auth.GenerateKey()
	require.NoError(t, err)
	return k
}

func (s *testServer) initialize(admin *auth.KeyPair) {
	s.t.Helper()
	req := auth.Request{
		Action:              auth.ActionInitializeConfig,
		Amount:              markets.DefaultMinBet,
		FeeBps:              markets.DefaultFeeBps,
		MaxStalenessSeconds: markets.DefaultMaxStalenessSeconds,
	}
	rec := s.do(http.MethodPost, "/v1/config", InitializeConfigRequest{
		SignedEnvelope:      sign(s.t, admin, req),
		FeeBps:              markets.DefaultFeeBps,
		MinBet:              amount(markets.DefaultMinBet),
		MaxStalenessSeconds: markets.DefaultMaxStalenessSeconds,
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (s *testServer) fund(key *auth.KeyPair, value uint64) {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/v1/accounts/"+key.ID()+"/deposit", DepositRequest{Amount: amount(value)})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
}

func (s *testServer) bet(key *auth.KeyPair, side markets.Side, gross uint64) *httptest.ResponseRecorder {
	s.t.Helper()
	env := sign(s.t, key, auth.Request{Action: auth.ActionPlaceBet, StartTs: startTs, Side: uint8(side), Amount: gross})
	return s.do(http.MethodPost, "/v1/markets/1700000060/bets", PlaceBetRequest{
		SignedEnvelope: env,
		Side:           side.String(),
		GrossAmount:    amount(gross),
	})
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, func(o *Options) {
		o.Checks = map[string]HealthCheck{
			"db":    func(context.Context) error { return nil },
			"redis": func(context.Context) error { return errors.New("connection refused") },
		}
	})

	rec := s.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	ready := decodeBody[ReadyDTO](t, rec)
	assert.Equal(t, "ok", ready.Checks["db"])
	assert.Equal(t, "connection refused", ready.Checks["redis"])

	rec = s.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))

	rec = s.do(http.MethodGet, "/healthz", nil)
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)
}

func TestInitializeConfig(t *testing.T) {
	s := newTestServer(t)
	admin := newKey(t)

	rec := s.do(http.MethodGet, "/v1/config", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NOT_INITIALIZED", errorCode(t, rec))

	// signature over different parameters
	env := sign(t, admin, auth.Request{Action: auth.ActionInitializeConfig, Amount: 1, FeeBps: 100, MaxStalenessSeconds: 60})
	rec = s.do(http.MethodPost, "/v1/config", InitializeConfigRequest{
		SignedEnvelope:      env,
		FeeBps:              0,
		MinBet:              "1",
		MaxStalenessSeconds: 60,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_SIGNATURE", errorCode(t, rec))

	s.initialize(admin)

	rec = s.do(http.MethodGet, "/v1/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cfg := decodeBody[ConfigDTO](t, rec)
	assert.Equal(t, admin.ID(), cfg.Authority)
	assert.Equal(t, "SOL/USD", cfg.Symbol)
	assert.Equal(t, amount(markets.DefaultMinBet), cfg.MinBet)

	env = sign(t, admin, auth.Request{Action: auth.ActionInitializeConfig, Amount: 5, MaxStalenessSeconds: 30})
	rec = s.do(http.MethodPost, "/v1/config", InitializeConfigRequest{SignedEnvelope: env, MinBet: "5", MaxStalenessSeconds: 30})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_INITIALIZED", errorCode(t, rec))
}

func TestMarketLifecycle(t *testing.T) {
	s := newTestServer(t)
	admin, alice, bob := newKey(t), newKey(t), newKey(t)
	s.initialize(admin)
	s.fund(alice, 100_000_000)
	s.fund(bob, 100_000_000)

	rec := s.do(http.MethodPost, "/v1/markets", CreateMarketRequest{StartTs: startTs})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[MarketDTO](t, rec)
	assert.Equal(t, "open", created.Status)
	assert.Equal(t, "100", created.StartPrice.String())

	rec = s.bet(alice, markets.SideUp, 20_000_000)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	receipt := decodeBody[BetReceiptDTO](t, rec)
	assert.Equal(t, "200000", receipt.Fee)
	assert.Equal(t, "19800000", receipt.Net)

	rec = s.bet(bob, markets.SideDown, 10_000_000)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodGet, "/v1/markets/1700000060/preview?side=down&net=9900000", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	preview := decodeBody[PreviewDTO](t, rec)
	assert.Equal(t, "down", preview.Side)

	rec = s.do(http.MethodGet, "/v1/markets/1700000060/positions/"+alice.ID(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "19800000", decodeBody[PositionDTO](t, rec).UpNet)

	rec = s.do(http.MethodPost, "/v1/markets/1700000060/close", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "MARKET_NOT_ENDED", errorCode(t, rec))

	s.clock.Set(endTs)
	rec = s.do(http.MethodPost, "/v1/markets/1700000060/close", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	s.oracle.SetPrice(10500, -2)
	rec = s.do(http.MethodPost, "/v1/markets/1700000060/resolve", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resolved := decodeBody[MarketDTO](t, rec)
	assert.Equal(t, "resolved", resolved.Status)
	assert.Equal(t, "up", resolved.Result)
	assert.Equal(t, "105", resolved.EndPrice.String())

	rec = s.do(http.MethodGet, "/v1/stats?participant="+alice.ID(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeBody[StatsDTO](t, rec)
	assert.Equal(t, "29700000", stats.ClaimableWinnings)

	claim := sign(t, alice, auth.Request{Action: auth.ActionClaim, StartTs: startTs})
	rec = s.do(http.MethodPost, "/v1/markets/1700000060/claim", ClaimRequest{SignedEnvelope: claim})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "29700000", decodeBody[ClaimReceiptDTO](t, rec).Payout)

	claim = sign(t, bob, auth.Request{Action: auth.ActionClaim, StartTs: startTs})
	rec = s.do(http.MethodPost, "/v1/markets/1700000060/claim", ClaimRequest{SignedEnvelope: claim})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NO_WINNINGS", errorCode(t, rec))

	rec = s.do(http.MethodGet, "/v1/accounts/"+alice.ID()+"/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "109700000", decodeBody[BalanceDTO](t, rec).Balance)

	rec = s.do(http.MethodGet, "/v1/participants/"+alice.ID()+"/positions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	positions := decodeBody[PositionsDTO](t, rec)
	require.Len(t, positions.Items, 1)
	assert.True(t, positions.Items[0].Claimed)

	rec = s.do(http.MethodGet, "/v1/markets?status=resolved", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[MarketsDTO](t, rec).Items, 1)
}

func TestPlaceBetRejectsReplayAndTampering(t *testing.T) {
	s := newTestServer(t)
	admin, alice := newKey(t), newKey(t)
	s.initialize(admin)
	s.fund(alice, 100_000_000)
	rec := s.do(http.MethodPost, "/v1/markets", CreateMarketRequest{StartTs: startTs})
	require.Equal(t, http.StatusCreated, rec.Code)

	env := sign(t, alice, auth.Request{Action: auth.ActionPlaceBet, StartTs: startTs, Side: uint8(markets.SideUp), Amount: 20_000_000})
	body := PlaceBetRequest{SignedEnvelope: env, Side: "up", GrossAmount: "20000000"}

	tampered := body
	tampered.GrossAmount = "90000000"
	rec = s.do(http.MethodPost, "/v1/markets/1700000060/bets", tampered)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodPost, "/v1/markets/1700000060/bets", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/v1/markets/1700000060/bets", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "REPLAYED_REQUEST", errorCode(t, rec))

	rec = s.do(http.MethodGet, "/v1/accounts/"+alice.ID()+"/balance", nil)
	assert.Equal(t, "80000000", decodeBody[BalanceDTO](t, rec).Balance)
}

func TestSignerEncodingsShareOneAccount(t *testing.T) {
	s := newTestServer(t)
	admin, alice := newKey(t), newKey(t)
	s.initialize(admin)
	s.fund(alice, 100_000_000)
	rec := s.do(http.MethodPost, "/v1/markets", CreateMarketRequest{StartTs: startTs})
	require.Equal(t, http.StatusCreated, rec.Code)

	pub, err := auth.ParseID(alice.ID())
	require.NoError(t, err)
	uncompressed := "0x" + hex.EncodeToString(pub.SerializeUncompressed())

	req := auth.Request{
		Action:   auth.ActionPlaceBet,
		Signer:   uncompressed,
		StartTs:  startTs,
		Side:     uint8(markets.SideUp),
		Amount:   20_000_000,
		IssuedAt: time.Now().Unix(),
	}
	sig, err := alice.Sign(req)
	require.NoError(t, err)
	rec = s.do(http.MethodPost, "/v1/markets/1700000060/bets", PlaceBetRequest{
		SignedEnvelope: SignedEnvelope{Signer: uncompressed, IssuedAt: req.IssuedAt, Signature: sig},
		Side:           "up",
		GrossAmount:    "20000000",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// the bet lands on the compressed-key account however the key was written
	for _, id := range []string{alice.ID(), uncompressed} {
		rec = s.do(http.MethodGet, "/v1/markets/1700000060/positions/"+id, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		pos := decodeBody[PositionDTO](t, rec)
		assert.Equal(t, alice.ID(), pos.Participant)
		assert.Equal(t, "19800000", pos.UpNet)

		rec = s.do(http.MethodGet, "/v1/accounts/"+id+"/balance", nil)
		assert.Equal(t, "80000000", decodeBody[BalanceDTO](t, rec).Balance)
	}

	canonical, err := auth.CanonicalID(uncompressed)
	require.NoError(t, err)
	assert.Equal(t, alice.ID(), canonical)
}

func TestRequestValidation(t *testing.T) {
	s := newTestServer(t)
	admin, alice := newKey(t), newKey(t)
	s.initialize(admin)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"bad start time", http.MethodGet, "/v1/markets/abc", nil, http.StatusBadRequest, "INVALID_START_TIME"},
		{"unknown market", http.MethodGet, "/v1/markets/1700000060", nil, http.StatusNotFound, "MARKET_NOT_FOUND"},
		{"bad status filter", http.MethodGet, "/v1/markets?status=pending", nil, http.StatusBadRequest, "INVALID_STATUS"},
		{"bad side", http.MethodGet, "/v1/markets/1700000060/preview?side=sideways&net=1", nil, http.StatusBadRequest, "INVALID_SIDE"},
		{"bad net", http.MethodGet, "/v1/markets/1700000060/preview?side=up&net=-1", nil, http.StatusBadRequest, "INVALID_AMOUNT"},
		{"past start", http.MethodPost, "/v1/markets", CreateMarketRequest{StartTs: baseNow - 900}, http.StatusBadRequest, "INVALID_START_TIME"},
		{"unknown field", http.MethodPost, "/v1/markets", map[string]any{"startTs": startTs, "extra": 1}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"fund engine account", http.MethodPost, "/v1/accounts/ctl_abc/deposit", DepositRequest{Amount: "1"}, http.StatusForbidden, "CONTROLLED_ACCOUNT"},
		{"zero deposit", http.MethodPost, "/v1/accounts/" + alice.ID() + "/deposit", DepositRequest{Amount: "0"}, http.StatusBadRequest, "INVALID_AMOUNT"},
		{"missing position", http.MethodGet, "/v1/markets/1700000060/positions/" + alice.ID(), nil, http.StatusNotFound, "POSITION_NOT_FOUND"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.code, errorCode(t, rec))
		})
	}
}

func TestDepositRequiresDevFaucet(t *testing.T) {
	s := newTestServer(t, func(o *Options) { o.DevFaucet = false })
	rec := s.do(http.MethodPost, "/v1/accounts/alice/deposit", DepositRequest{Amount: "1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FAUCET_DISABLED", errorCode(t, rec))
}

func TestWithdrawFees(t *testing.T) {
	s := newTestServer(t)
	admin, alice := newKey(t), newKey(t)
	s.initialize(admin)
	s.fund(alice, 100_000_000)
	rec := s.do(http.MethodPost, "/v1/markets", CreateMarketRequest{StartTs: startTs})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = s.bet(alice, markets.SideUp, 50_000_000)
	require.Equal(t, http.StatusCreated, rec.Code)

	withdraw := func(key *auth.KeyPair, dest string, value uint64) *httptest.ResponseRecorder {
		env := sign(t, key, auth.Request{Action: auth.ActionWithdrawFees, Amount: value, Destination: dest})
		return s.do(http.MethodPost, "/v1/treasury/withdraw", WithdrawFeesRequest{
			SignedEnvelope: env,
			Destination:    dest,
			Amount:         amount(value),
		})
	}

	rec = withdraw(alice, alice.ID(), 100_000)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, rec))

	rec = withdraw(admin, "ops", 600_000)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "INSUFFICIENT_FUNDS", errorCode(t, rec))

	rec = withdraw(admin, "ops", 200_000)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decodeBody[WithdrawFeesDTO](t, rec)
	assert.Equal(t, "300000", out.Remaining)

	rec = s.do(http.MethodGet, "/v1/accounts/ops/balance", nil)
	assert.Equal(t, "200000", decodeBody[BalanceDTO](t, rec).Balance)
}

func TestStatsAreCached(t *testing.T) {
	s := newTestServer(t)
	admin := newKey(t)
	s.initialize(admin)

	rec := s.do(http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decodeBody[StatsDTO](t, rec).ActiveMarkets)

	rec = s.do(http.MethodPost, "/v1/markets", CreateMarketRequest{StartTs: startTs})
	require.Equal(t, http.StatusCreated, rec.Code)

	// served from cache until the entry expires
	rec = s.do(http.MethodGet, "/v1/stats", nil)
	assert.Equal(t, 0, decodeBody[StatsDTO](t, rec).ActiveMarkets)
}

func TestOracleEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/v1/oracle/price", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tick := decodeBody[prices.Tick](t, rec)
	assert.Equal(t, "100", tick.Price.String())
	assert.Equal(t, "SOL/USD", tick.Symbol)

	s.oracle.SetFailing(true)
	rec = s.do(http.MethodGet, "/v1/oracle/price", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "STALE_PRICE", errorCode(t, rec))

	rec = s.do(http.MethodGet, "/v1/oracle/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[TicksDTO](t, rec).Items)
}

func TestStatusFor(t *testing.T) {
	tests := map[string]int{
		"MARKET_NOT_FOUND":    http.StatusNotFound,
		"BET_TOO_SMALL":       http.StatusBadRequest,
		"UNAUTHORIZED":        http.StatusForbidden,
		"STALE_PRICE":         http.StatusServiceUnavailable,
		"OVERFLOW":            http.StatusUnprocessableEntity,
		"MARKET_NOT_RESOLVED": http.StatusConflict,
		"INTERNAL":            http.StatusInternalServerError,
	}
	for code, status := range tests {
		assert.Equal(t, status, statusFor(code), code)
	}
}
