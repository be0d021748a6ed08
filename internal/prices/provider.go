package prices

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/leafsii/pm15-backend/internal/calc"
)

// ErrStalePrice is returned when no sample for the requested feed is fresh
// enough. Feed mismatches are reported the same way.
var ErrStalePrice = errors.New("stale price")

// Sample is one oracle observation: the value is Price * 10^Expo.
type Sample struct {
	FeedID      string    `json:"feedId"`
	Price       int64     `json:"price"`
	Conf        uint64    `json:"conf"`
	Expo        int32     `json:"expo"`
	PublishTime time.Time `json:"publishTime"`
}

// Decimal returns the human-readable price.
func (s Sample) Decimal() decimal.Decimal {
	return calc.FormatPrice(s.Price, s.Expo)
}

// Oracle supplies validated price samples.
type Oracle interface {
	// GetPrice returns a sample for feedID whose age at now is at most maxAge,
	// or an error wrapping ErrStalePrice.
	GetPrice(ctx context.Context, feedID string, maxAge time.Duration, now time.Time) (Sample, error)

	// Name returns the provider identifier
	Name() string

	// Health returns current provider health status
	Health() ProviderHealth
}

// Tick represents a single published price update
type Tick struct {
	FeedID string          `json:"feedId"`
	Symbol string          `json:"symbol,omitempty"`
	Price  decimal.Decimal `json:"price"`
	Raw    int64           `json:"raw"`
	Expo   int32           `json:"expo"`
	TsMs   int64           `json:"ts"` // milliseconds since epoch
}

// TickFromSample converts a sample for publishing
func TickFromSample(symbol string, s Sample) Tick {
	return Tick{
		FeedID: s.FeedID,
		Symbol: symbol,
		Price:  s.Decimal(),
		Raw:    s.Price,
		Expo:   s.Expo,
		TsMs:   s.PublishTime.UnixMilli(),
	}
}

// ProviderHealth represents the current status of a provider
type ProviderHealth struct {
	Healthy     bool      `json:"healthy"`
	LastError   string    `json:"last_error,omitempty"`
	LastSuccess time.Time `json:"last_success"`
	Reconnects  int       `json:"reconnects"`
}

// NormalizeFeedID lowercases a feed id and strips any 0x prefix
func NormalizeFeedID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	return strings.TrimPrefix(id, "0x")
}

// SameFeed reports whether two feed ids name the same feed
func SameFeed(a, b string) bool {
	return NormalizeFeedID(a) == NormalizeFeedID(b)
}

// Validate checks that s belongs to feedID and is no older than maxAge at now.
// Samples published slightly in the future (clock skew) are accepted.
func Validate(s Sample, feedID string, maxAge time.Duration, now time.Time) error {
	if !SameFeed(s.FeedID, feedID) {
		return fmt.Errorf("%w: feed mismatch: got %s, want %s", ErrStalePrice, s.FeedID, feedID)
	}
	if s.PublishTime.IsZero() {
		return fmt.Errorf("%w: missing publish time", ErrStalePrice)
	}
	if err := calc.ValidateOracleAge(s.PublishTime, now, maxAge); err != nil {
		return fmt.Errorf("%w: %v", ErrStalePrice, err)
	}
	return nil
}

// AlignTime aligns timestamp to interval boundary
func AlignTime(ts time.Time, interval time.Duration) time.Time {
	unix := ts.Unix()
	intervalSec := int64(interval.Seconds())
	aligned := (unix / intervalSec) * intervalSec
	return time.Unix(aligned, 0)
}
