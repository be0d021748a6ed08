package api

import (
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/leafsii/pm15-backend/internal/calc"
	"github.com/leafsii/pm15-backend/internal/markets"
	"github.com/leafsii/pm15-backend/internal/prices"
)

// Amounts cross the API as decimal strings of base units so that values
// above 2^53 survive JavaScript clients.

// SignedEnvelope carries the signature fields of a mutating request.
type SignedEnvelope struct {
	Signer    string `json:"signer"`
	IssuedAt  int64  `json:"issuedAt"`
	Signature string `json:"signature"`
}

type InitializeConfigRequest struct {
	SignedEnvelope
	Treasury            string `json:"treasury,omitempty"`
	FeeBps              uint16 `json:"feeBps"`
	MinBet              string `json:"minBet"`
	MaxStalenessSeconds uint64 `json:"maxStalenessSeconds"`
}

type CreateMarketRequest struct {
	StartTs int64 `json:"startTs"`
}

type PlaceBetRequest struct {
	SignedEnvelope
	Side        string `json:"side"`
	GrossAmount string `json:"grossAmount"`
}

type ClaimRequest struct {
	SignedEnvelope
}

type WithdrawFeesRequest struct {
	SignedEnvelope
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
}

type DepositRequest struct {
	Amount string `json:"amount"`
}

type ConfigDTO struct {
	Authority           string `json:"authority"`
	Treasury            string `json:"treasury"`
	FeeBps              uint16 `json:"feeBps"`
	MinBet              string `json:"minBet"`
	MaxStalenessSeconds uint64 `json:"maxStalenessSeconds"`
	FeedID              string `json:"feedId"`
	Symbol              string `json:"symbol"`
	CreatedAt           int64  `json:"createdAt"`
}

type MarketDTO struct {
	FeedID     string          `json:"feedId"`
	Symbol     string          `json:"symbol"`
	StartTs    int64           `json:"startTs"`
	EndTs      int64           `json:"endTs"`
	Status     string          `json:"status"`
	Result     string          `json:"result"`
	StartPrice decimal.Decimal `json:"startPrice"`
	EndPrice   decimal.Decimal `json:"endPrice"`
	TotalUp    string          `json:"totalUp"`
	TotalDown  string          `json:"totalDown"`
	Vault      string          `json:"vault"`
	CreatedAt  int64           `json:"createdAt"`
	ClosedAt   int64           `json:"closedAt,omitempty"`
	SettledAt  int64           `json:"settledAt,omitempty"`
}

type MarketsDTO struct {
	Items []MarketDTO `json:"items"`
}

type PositionDTO struct {
	FeedID      string `json:"feedId"`
	StartTs     int64  `json:"startTs"`
	Participant string `json:"participant"`
	UpNet       string `json:"upNet"`
	DownNet     string `json:"downNet"`
	Claimed     bool   `json:"claimed"`
	Payout      string `json:"payout"`
	CreatedAt   int64  `json:"createdAt"`
	ClaimedAt   int64  `json:"claimedAt,omitempty"`
}

type PositionsDTO struct {
	Participant string        `json:"participant"`
	Items       []PositionDTO `json:"items"`
}

type BetReceiptDTO struct {
	Side     string      `json:"side"`
	Gross    string      `json:"gross"`
	Fee      string      `json:"fee"`
	Net      string      `json:"net"`
	Position PositionDTO `json:"position"`
	Market   MarketDTO   `json:"market"`
}

type ClaimReceiptDTO struct {
	Payout   string      `json:"payout"`
	Position PositionDTO `json:"position"`
	Market   MarketDTO   `json:"market"`
}

type PreviewDTO struct {
	Side            string          `json:"side"`
	Net             string          `json:"net"`
	PotentialPayout string          `json:"potentialPayout"`
	SideShare       decimal.Decimal `json:"sideShare"`
	Multiplier      decimal.Decimal `json:"multiplier"`
}

type BalanceDTO struct {
	Account string `json:"account"`
	Balance string `json:"balance"`
}

type WithdrawFeesDTO struct {
	Treasury  string `json:"treasury"`
	Withdrawn string `json:"withdrawn"`
	Remaining string `json:"remaining"`
}

type StatsDTO struct {
	ActiveMarkets     int    `json:"activeMarkets"`
	TotalVolume       string `json:"totalVolume"`
	UserActiveBets    int    `json:"userActiveBets"`
	ClaimableWinnings string `json:"claimableWinnings"`
	AsOf              int64  `json:"asOf"`
}

type TicksDTO struct {
	FeedID string        `json:"feedId"`
	Items  []prices.Tick `json:"items"`
}

type ReadyDTO struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func amount(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseAmount(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

func toConfigDTO(c markets.Config, registry *prices.Registry) ConfigDTO {
	return ConfigDTO{
		Authority:           c.Authority,
		Treasury:            string(c.Treasury),
		FeeBps:              c.FeeBps,
		MinBet:              amount(c.MinBet),
		MaxStalenessSeconds: c.MaxStalenessSeconds,
		FeedID:              c.AllowedFeedID,
		Symbol:              registry.Symbol(c.AllowedFeedID),
		CreatedAt:           c.CreatedAt,
	}
}

func toMarketDTO(m markets.Market, registry *prices.Registry) MarketDTO {
	dto := MarketDTO{
		FeedID:     m.FeedID,
		Symbol:     registry.Symbol(m.FeedID),
		StartTs:    m.StartTs,
		EndTs:      m.EndTs,
		Status:     m.Status.String(),
		Result:     m.Result.String(),
		StartPrice: calc.FormatPrice(m.StartPrice, m.StartExpo),
		TotalUp:    amount(m.TotalUp),
		TotalDown:  amount(m.TotalDown),
		Vault:      string(m.Vault),
		CreatedAt:  m.CreatedAt,
		ClosedAt:   m.ClosedAt,
		SettledAt:  m.SettledAt,
	}
	if m.SettledAt != 0 {
		dto.EndPrice = calc.FormatPrice(m.EndPrice, m.EndExpo)
	}
	return dto
}

func toPositionDTO(p markets.Position) PositionDTO {
	return PositionDTO{
		FeedID:      p.FeedID,
		StartTs:     p.StartTs,
		Participant: p.Participant,
		UpNet:       amount(p.UpNet),
		DownNet:     amount(p.DownNet),
		Claimed:     p.Claimed,
		Payout:      amount(p.Payout),
		CreatedAt:   p.CreatedAt,
		ClaimedAt:   p.ClaimedAt,
	}
}
