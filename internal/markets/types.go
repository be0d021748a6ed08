package markets

import (
	"fmt"
	"strings"
	"time"

	"github.com/leafsii/pm15-backend/internal/calc"
	"github.com/leafsii/pm15-backend/internal/escrow"
	"github.com/leafsii/pm15-backend/internal/prices"
)

// MarketDuration is the fixed length of every trading window.
const MarketDuration int64 = 900

// Side is the direction a participant predicts.
type Side uint8

const (
	SideUp Side = iota + 1
	SideDown
)

func (s Side) String() string {
	switch s {
	case SideUp:
		return "up"
	case SideDown:
		return "down"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

func (s Side) Valid() bool {
	return s == SideUp || s == SideDown
}

func ParseSide(v string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "up":
		return SideUp, nil
	case "down":
		return SideDown, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidSide, v)
	}
}

func (s Side) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSide, uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Status is the market lifecycle state. Transitions only move forward:
// Open -> Closed -> Resolved | Cancelled.
type Status uint8

const (
	StatusOpen Status = iota
	StatusClosed
	StatusResolved
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	case StatusResolved:
		return "resolved"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Settled reports whether claims are allowed.
func (s Status) Settled() bool {
	return s == StatusResolved || s == StatusCancelled
}

func ParseStatus(v string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "open":
		return StatusOpen, nil
	case "closed":
		return StatusClosed, nil
	case "resolved":
		return StatusResolved, nil
	case "cancelled", "canceled":
		return StatusCancelled, nil
	default:
		return 0, fmt.Errorf("unknown status %q", v)
	}
}

func (s Status) MarshalText() ([]byte, error) {
	if s > StatusCancelled {
		return nil, fmt.Errorf("unknown status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Result is the market outcome, Unset unless the market is Resolved.
type Result uint8

const (
	ResultUnset Result = iota
	ResultUp
	ResultDown
	ResultPush
)

func (r Result) String() string {
	switch r {
	case ResultUnset:
		return "unset"
	case ResultUp:
		return "up"
	case ResultDown:
		return "down"
	case ResultPush:
		return "push"
	default:
		return fmt.Sprintf("result(%d)", uint8(r))
	}
}

func ParseResult(v string) (Result, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "unset":
		return ResultUnset, nil
	case "up":
		return ResultUp, nil
	case "down":
		return ResultDown, nil
	case "push":
		return ResultPush, nil
	default:
		return 0, fmt.Errorf("unknown result %q", v)
	}
}

func (r Result) MarshalText() ([]byte, error) {
	if r > ResultPush {
		return nil, fmt.Errorf("unknown result %d", uint8(r))
	}
	return []byte(r.String()), nil
}

func (r *Result) UnmarshalText(b []byte) error {
	v, err := ParseResult(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Config holds the protocol-wide parameters. It is created once.
type Config struct {
	Authority           string           `json:"authority"`
	Treasury            escrow.AccountID `json:"treasury"`
	FeeBps              uint16           `json:"feeBps"`
	MinBet              uint64           `json:"minBet"`
	MaxStalenessSeconds uint64           `json:"maxStalenessSeconds"`
	AllowedFeedID       string           `json:"allowedFeedId"`
	CreatedAt           int64            `json:"createdAt"`
}

func (c Config) MaxStaleness() time.Duration {
	return time.Duration(c.MaxStalenessSeconds) * time.Second
}

// MarketKey addresses a market.
type MarketKey struct {
	FeedID  string `json:"feedId"`
	StartTs int64  `json:"startTs"`
}

// String is the storage key; zero padding keeps keys in start-time order.
func (k MarketKey) String() string {
	return fmt.Sprintf("%s/%020d", prices.NormalizeFeedID(k.FeedID), k.StartTs)
}

// Market is one trading window.
type Market struct {
	FeedID     string           `json:"feedId"`
	StartTs    int64            `json:"startTs"`
	EndTs      int64            `json:"endTs"`
	StartPrice int64            `json:"startPrice"`
	StartExpo  int32            `json:"startExpo"`
	EndPrice   int64            `json:"endPrice"`
	EndExpo    int32            `json:"endExpo"`
	TotalUp    uint64           `json:"totalUp"`
	TotalDown  uint64           `json:"totalDown"`
	Status     Status           `json:"status"`
	Result     Result           `json:"result"`
	Vault      escrow.AccountID `json:"vault"`
	CreatedAt  int64            `json:"createdAt"`
	ClosedAt   int64            `json:"closedAt,omitempty"`
	SettledAt  int64            `json:"settledAt,omitempty"`
}

func (m Market) Key() MarketKey {
	return MarketKey{FeedID: m.FeedID, StartTs: m.StartTs}
}

// PoolNet is the combined net stake of both sides.
func (m Market) PoolNet() (uint64, error) {
	return calc.CheckedAdd(m.TotalUp, m.TotalDown)
}

// Total returns the pooled net stake for side.
func (m Market) Total(side Side) uint64 {
	if side == SideUp {
		return m.TotalUp
	}
	return m.TotalDown
}

// CheckInvariant verifies that result is set exactly when the market is Resolved.
func (m Market) CheckInvariant() error {
	switch m.Status {
	case StatusOpen, StatusClosed, StatusCancelled:
		if m.Result != ResultUnset {
			return fmt.Errorf("market %s: status %s with result %s", m.Key(), m.Status, m.Result)
		}
	case StatusResolved:
		if m.Result == ResultUnset {
			return fmt.Errorf("market %s: resolved without result", m.Key())
		}
	default:
		return fmt.Errorf("market %s: unknown status %d", m.Key(), uint8(m.Status))
	}
	if end, err := calc.CheckedAddInt64(m.StartTs, MarketDuration); err != nil || m.EndTs != end {
		return fmt.Errorf("market %s: endTs %d != startTs+%d", m.Key(), m.EndTs, MarketDuration)
	}
	return nil
}

// Position is one participant's stake in one market.
type Position struct {
	FeedID      string `json:"feedId"`
	StartTs     int64  `json:"startTs"`
	Participant string `json:"participant"`
	UpNet       uint64 `json:"upNet"`
	DownNet     uint64 `json:"downNet"`
	Claimed     bool   `json:"claimed"`
	Payout      uint64 `json:"payout,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	ClaimedAt   int64  `json:"claimedAt,omitempty"`
}

func (p Position) MarketKey() MarketKey {
	return MarketKey{FeedID: p.FeedID, StartTs: p.StartTs}
}

// Stake returns the net stake on side.
func (p Position) Stake(side Side) uint64 {
	if side == SideUp {
		return p.UpNet
	}
	return p.DownNet
}

// positionKey groups a participant's positions under one prefix.
func positionKey(participant string, key MarketKey) string {
	return participant + "/" + key.String()
}

// Stats is the dashboard summary.
type Stats struct {
	ActiveMarkets     int    `json:"activeMarkets"`
	TotalVolume       uint64 `json:"totalVolume"`
	UserActiveBets    int    `json:"userActiveBets"`
	ClaimableWinnings uint64 `json:"claimableWinnings"`
}

// BetReceipt is the result of PlaceBet.
type BetReceipt struct {
	Side     Side     `json:"side"`
	Gross    uint64   `json:"gross"`
	Fee      uint64   `json:"fee"`
	Net      uint64   `json:"net"`
	Position Position `json:"position"`
	Market   Market   `json:"market"`
}

// ClaimReceipt is the result of Claim.
type ClaimReceipt struct {
	Payout   uint64   `json:"payout"`
	Position Position `json:"position"`
	Market   Market   `json:"market"`
}
