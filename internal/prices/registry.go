package prices

import (
	"fmt"
	"strings"
)

// Well-known Pyth price feed ids
const (
	FeedSOLUSD = "0xef0d8b6fda2ceba41da15d4095d1da392a0d2f8ed0c6c7bc0f4cfac8c280b56d"
	FeedBTCUSD = "0xe62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43"
	FeedETHUSD = "0xff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace"
)

// Registry maps UI pairs to oracle feed ids
type Registry struct {
	mappings map[string]string // UI pair -> feed id
}

// NewRegistry creates a registry with the default feed mappings
func NewRegistry() *Registry {
	r := &Registry{
		mappings: make(map[string]string),
	}

	r.AddMapping("SOL/USD", FeedSOLUSD)
	r.AddMapping("BTC/USD", FeedBTCUSD)
	r.AddMapping("ETH/USD", FeedETHUSD)

	return r
}

// AddMapping adds a UI pair to feed id mapping
func (r *Registry) AddMapping(uiPair, feedID string) {
	r.mappings[strings.ToUpper(uiPair)] = "0x" + NormalizeFeedID(feedID)
}

// FeedID returns the feed id for a UI pair
func (r *Registry) FeedID(uiPair string) (string, error) {
	id, exists := r.mappings[strings.ToUpper(uiPair)]
	if !exists {
		return "", fmt.Errorf("no feed found for pair: %s", uiPair)
	}
	return id, nil
}

// Symbol returns the UI pair for a feed id, or the feed id itself when unknown
func (r *Registry) Symbol(feedID string) string {
	for pair, id := range r.mappings {
		if SameFeed(id, feedID) {
			return pair
		}
	}
	return feedID
}

// Resolve accepts either a UI pair or a raw feed id
func (r *Registry) Resolve(pairOrFeed string) (string, error) {
	if id, err := r.FeedID(pairOrFeed); err == nil {
		return id, nil
	}
	norm := NormalizeFeedID(pairOrFeed)
	if len(norm) != 64 || strings.Trim(norm, "0123456789abcdef") != "" {
		return "", fmt.Errorf("unknown pair or malformed feed id: %s", pairOrFeed)
	}
	return "0x" + norm, nil
}

// GetAllMappings returns all configured mappings
func (r *Registry) GetAllMappings() map[string]string {
	result := make(map[string]string)
	for k, v := range r.mappings {
		result[k] = v
	}
	return result
}
