package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/leafsii/pm15-backend/internal/auth"
	"github.com/leafsii/pm15-backend/internal/escrow"
	"github.com/leafsii/pm15-backend/internal/jobs"
	"github.com/leafsii/pm15-backend/internal/markets"
	"github.com/leafsii/pm15-backend/internal/prices"
	"github.com/leafsii/pm15-backend/internal/store"
	"github.com/leafsii/pm15-backend/internal/ws"
)

const (
	maxBodyBytes = 1 << 20
	statsTTL     = 2 * time.Second
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Options wires a Handler. Cache, Hub, Prices and Checks are optional.
type Options struct {
	Engine   *markets.Engine
	Verifier *auth.Verifier
	Cache    *store.Cache
	Hub      *ws.Hub
	Prices   *jobs.PricePublisher
	Registry *prices.Registry
	Checks   map[string]HealthCheck
	Metrics  http.Handler
	// DevFaucet enables unauthenticated deposits; never set outside dev.
	DevFaucet bool
	Clock     markets.Clock
	Logger    *zap.SugaredLogger
}

type Handler struct {
	engine    *markets.Engine
	verifier  *auth.Verifier
	cache     *store.Cache
	wsHub     *ws.Hub
	prices    *jobs.PricePublisher
	registry  *prices.Registry
	checks    map[string]HealthCheck
	metrics   http.Handler
	devFaucet bool
	clock     markets.Clock
	logger    *zap.SugaredLogger
}

func NewHandler(opts Options) (*Handler, error) {
	if opts.Engine == nil {
		return nil, errors.New("api: engine is required")
	}
	if opts.Verifier == nil {
		return nil, errors.New("api: signature verifier is required")
	}
	if opts.Registry == nil {
		opts.Registry = prices.NewRegistry()
	}
	if opts.Clock == nil {
		opts.Clock = markets.SystemClock
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Handler{
		engine:    opts.Engine,
		verifier:  opts.Verifier,
		cache:     opts.Cache,
		wsHub:     opts.Hub,
		prices:    opts.Prices,
		registry:  opts.Registry,
		checks:    opts.Checks,
		metrics:   opts.Metrics,
		devFaucet: opts.DevFaucet,
		clock:     opts.Clock,
		logger:    opts.Logger,
	}, nil
}

// Health and ops endpoints
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dto := ReadyDTO{Status: "ready", Checks: make(map[string]string, len(h.checks))}
	status := http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			dto.Checks[name] = err.Error()
			dto.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		dto.Checks[name] = "ok"
	}
	h.writeJSON(w, status, dto)
}

func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		http.NotFound(w, r)
		return
	}
	h.metrics.ServeHTTP(w, r)
}

// Config endpoints
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.engine.GetConfig(r.Context())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toConfigDTO(cfg, h.registry))
}

// InitializeConfig creates the protocol config. The signer becomes the authority.
func (h *Handler) InitializeConfig(w http.ResponseWriter, r *http.Request) {
	var req InitializeConfigRequest
	if !h.decode(w, r, &req) {
		return
	}
	minBet, err := parseAmount(req.MinBet)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_CONFIG", fmt.Sprintf("invalid minBet: %v", err))
		return
	}
	if !h.verify(r.Context(), w, &req.SignedEnvelope, auth.Request{
		Action:              auth.ActionInitializeConfig,
		Amount:              minBet,
		Destination:         req.Treasury,
		FeeBps:              req.FeeBps,
		MaxStalenessSeconds: req.MaxStalenessSeconds,
	}) {
		return
	}

	cfg, err := h.engine.InitializeConfig(r.Context(), markets.InitParams{
		Authority:           req.Signer,
		Treasury:            escrow.AccountID(req.Treasury),
		FeeBps:              req.FeeBps,
		MinBet:              minBet,
		MaxStalenessSeconds: req.MaxStalenessSeconds,
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toConfigDTO(cfg, h.registry))
}

// Market endpoints
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	var status *markets.Status
	if v := r.URL.Query().Get("status"); v != "" {
		s, err := markets.ParseStatus(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "INVALID_STATUS", err.Error())
			return
		}
		status = &s
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	list, err := h.engine.ListMarkets(r.Context(), status, limit)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	dto := MarketsDTO{Items: make([]MarketDTO, 0, len(list))}
	for _, m := range list {
		dto.Items = append(dto.Items, toMarketDTO(m, h.registry))
	}
	h.writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	startTs, ok := h.startTs(w, r)
	if !ok {
		return
	}
	m, err := h.engine.GetMarket(r.Context(), startTs)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toMarketDTO(m, h.registry))
}

func (h *Handler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if !h.decode(w, r, &req) {
		return
	}
	m, err := h.engine.CreateMarket(r.Context(), req.StartTs)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toMarketDTO(m, h.registry))
}

func (h *Handler) CloseMarket(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.engine.CloseMarket)
}

func (h *Handler) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.engine.ResolveMarket)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, int64) (markets.Market, error)) {
	startTs, ok := h.startTs(w, r)
	if !ok {
		return
	}
	m, err := op(r.Context(), startTs)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toMarketDTO(m, h.registry))
}

// PlaceBet stakes grossAmount from the signer's escrow account.
func (h *Handler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	startTs, ok := h.startTs(w, r)
	if !ok {
		return
	}
	var req PlaceBetRequest
	if !h.decode(w, r, &req) {
		return
	}
	side, err := markets.ParseSide(req.Side)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_SIDE", err.Error())
		return
	}
	gross, err := parseAmount(req.GrossAmount)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", fmt.Sprintf("invalid grossAmount: %v", err))
		return
	}
	if !h.verify(r.Context(), w, &req.SignedEnvelope, auth.Request{
		Action:  auth.ActionPlaceBet,
		StartTs: startTs,
		Side:    uint8(side),
		Amount:  gross,
	}) {
		return
	}

	receipt, err := h.engine.PlaceBet(r.Context(), startTs, req.Signer, side, gross)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, BetReceiptDTO{
		Side:     receipt.Side.String(),
		Gross:    amount(receipt.Gross),
		Fee:      amount(receipt.Fee),
		Net:      amount(receipt.Net),
		Position: toPositionDTO(receipt.Position),
		Market:   toMarketDTO(receipt.Market, h.registry),
	})
}

func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	startTs, ok := h.startTs(w, r)
	if !ok {
		return
	}
	var req ClaimRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.verify(r.Context(), w, &req.SignedEnvelope, auth.Request{
		Action:  auth.ActionClaim,
		StartTs: startTs,
	}) {
		return
	}

	receipt, err := h.engine.Claim(r.Context(), startTs, req.Signer)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ClaimReceiptDTO{
		Payout:   amount(receipt.Payout),
		Position: toPositionDTO(receipt.Position),
		Market:   toMarketDTO(receipt.Market, h.registry),
	})
}

func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	startTs, ok := h.startTs(w, r)
	if !ok {
		return
	}
	p, err := h.engine.GetPosition(r.Context(), startTs, accountID(chi.URLParam(r, "participant")))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toPositionDTO(p))
}

func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	participant := accountID(chi.URLParam(r, "participant"))
	list, err := h.engine.ListPositions(r.Context(), participant)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	dto := PositionsDTO{Participant: participant, Items: make([]PositionDTO, 0, len(list))}
	for _, p := range list {
		dto.Items = append(dto.Items, toPositionDTO(p))
	}
	h.writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) PreviewPayout(w http.ResponseWriter, r *http.Request) {
	startTs, ok := h.startTs(w, r)
	if !ok {
		return
	}
	side, err := markets.ParseSide(r.URL.Query().Get("side"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_SIDE", err.Error())
		return
	}
	net, err := parseAmount(r.URL.Query().Get("net"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", fmt.Sprintf("invalid net: %v", err))
		return
	}

	preview, err := h.engine.PreviewPayout(r.Context(), startTs, side, net)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, PreviewDTO{
		Side:            preview.Side.String(),
		Net:             amount(preview.Net),
		PotentialPayout: amount(preview.PotentialPayout),
		SideShare:       preview.SideShare,
		Multiplier:      preview.Multiplier,
	})
}

// Account endpoints
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	account := escrow.AccountID(accountID(chi.URLParam(r, "id")))
	balance, err := h.engine.Ledger().Balance(r.Context(), account)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, BalanceDTO{Account: string(account), Balance: amount(balance)})
}

// Deposit credits an external account out of thin air. Dev only.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	if !h.devFaucet {
		h.writeError(w, http.StatusForbidden, "FAUCET_DISABLED", "deposits are only available in dev")
		return
	}
	account := escrow.AccountID(accountID(chi.URLParam(r, "id")))
	if escrow.IsDerived(account) {
		h.writeError(w, http.StatusForbidden, "CONTROLLED_ACCOUNT", "cannot fund an engine account")
		return
	}
	var req DepositRequest
	if !h.decode(w, r, &req) {
		return
	}
	value, err := parseAmount(req.Amount)
	if err != nil || value == 0 {
		h.writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "amount must be a positive integer")
		return
	}

	balance, err := h.engine.Ledger().Deposit(r.Context(), account, value)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.logger.Infow("Faucet deposit", "account", account, "amount", value, "balance", balance)
	h.writeJSON(w, http.StatusOK, BalanceDTO{Account: string(account), Balance: amount(balance)})
}

// WithdrawFees moves collected fees from the treasury. Only the authority may call it.
func (h *Handler) WithdrawFees(w http.ResponseWriter, r *http.Request) {
	var req WithdrawFeesRequest
	if !h.decode(w, r, &req) {
		return
	}
	value, err := parseAmount(req.Amount)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", fmt.Sprintf("invalid amount: %v", err))
		return
	}
	if !h.verify(r.Context(), w, &req.SignedEnvelope, auth.Request{
		Action:      auth.ActionWithdrawFees,
		Amount:      value,
		Destination: req.Destination,
	}) {
		return
	}

	remaining, err := h.engine.WithdrawFees(r.Context(), req.Signer, escrow.AccountID(accountID(req.Destination)), value)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	cfg, err := h.engine.GetConfig(r.Context())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, WithdrawFeesDTO{
		Treasury:  string(cfg.Treasury),
		Withdrawn: amount(value),
		Remaining: amount(remaining),
	})
}

// GetStats serves the dashboard summary, cached briefly per participant.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	participant := r.URL.Query().Get("participant")
	if participant != "" {
		participant = accountID(participant)
	}
	key := store.KeyStats + ":" + participant

	var dto StatsDTO
	if h.cache != nil {
		if err := h.cache.Get(r.Context(), key, &dto); err == nil {
			h.writeJSON(w, http.StatusOK, dto)
			return
		} else if !errors.Is(err, store.ErrCacheMiss) {
			h.logger.Warnw("Stats cache read failed", "key", key, "error", err)
		}
	}

	stats, err := h.engine.Stats(r.Context(), participant)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	dto = StatsDTO{
		ActiveMarkets:     stats.ActiveMarkets,
		TotalVolume:       amount(stats.TotalVolume),
		UserActiveBets:    stats.UserActiveBets,
		ClaimableWinnings: amount(stats.ClaimableWinnings),
		AsOf:              h.clock.Now().Unix(),
	}
	if h.cache != nil {
		if err := h.cache.Set(r.Context(), key, dto, statsTTL); err != nil {
			h.logger.Warnw("Stats cache write failed", "key", key, "error", err)
		}
	}
	h.writeJSON(w, http.StatusOK, dto)
}

// Oracle endpoints
func (h *Handler) GetOraclePrice(w http.ResponseWriter, r *http.Request) {
	if h.prices != nil {
		if tick, ok := h.prices.Latest(); ok {
			h.writeJSON(w, http.StatusOK, tick)
			return
		}
	}

	maxAge := time.Duration(markets.DefaultMaxStalenessSeconds) * time.Second
	if cfg, err := h.engine.GetConfig(r.Context()); err == nil {
		maxAge = cfg.MaxStaleness()
	}
	feed := h.engine.FeedID()
	sample, err := h.engine.Oracle().GetPrice(r.Context(), feed, maxAge, h.clock.Now())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, prices.TickFromSample(h.registry.Symbol(feed), sample))
}

func (h *Handler) GetOracleHistory(w http.ResponseWriter, r *http.Request) {
	feed := h.engine.FeedID()
	dto := TicksDTO{FeedID: feed, Items: []prices.Tick{}}
	if h.cache != nil {
		var ticks []prices.Tick
		err := h.cache.Get(r.Context(), jobs.TickHistoryKey(feed), &ticks)
		switch {
		case err == nil:
			dto.Items = ticks
		case !errors.Is(err, store.ErrCacheMiss):
			h.writeError(w, http.StatusInternalServerError, "CACHE_ERROR", err.Error())
			return
		}
	}
	h.writeJSON(w, http.StatusOK, dto)
}

// WebSocket endpoint
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.wsHub == nil {
		h.writeError(w, http.StatusServiceUnavailable, "WS_DISABLED", "live updates are not enabled")
		return
	}
	h.wsHub.HandleWebSocket(w, r)
}

// verify checks the envelope over req and rewrites env.Signer to its canonical id.
func (h *Handler) verify(ctx context.Context, w http.ResponseWriter, env *SignedEnvelope, req auth.Request) bool {
	req.Signer = env.Signer
	req.IssuedAt = env.IssuedAt
	if err := h.verifier.Verify(ctx, req, env.Signature); err != nil {
		status, code := authError(err)
		h.writeError(w, status, code, err.Error())
		return false
	}
	id, err := auth.CanonicalID(env.Signer)
	if err != nil {
		status, code := authError(err)
		h.writeError(w, status, code, err.Error())
		return false
	}
	env.Signer = id
	return true
}

// accountID folds key-shaped ids to their canonical form and leaves other ids alone.
func accountID(raw string) string {
	if id, err := auth.CanonicalID(raw); err == nil {
		return id
	}
	return raw
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (h *Handler) startTs(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "startTs")
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_START_TIME", fmt.Sprintf("invalid startTs %q", raw))
		return 0, false
	}
	return v, true
}

// Utility methods
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warnw("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	if status >= http.StatusInternalServerError {
		h.logger.Errorw("API error", "code", code, "message", message, "status", status)
	} else {
		h.logger.Debugw("API error", "code", code, "message", message, "status", status)
	}

	h.writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}
