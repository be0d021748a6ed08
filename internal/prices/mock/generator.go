// Package mock provides a deterministic-enough oracle for development and tests.
package mock

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leafsii/pm15-backend/internal/prices"
)

// Generator is a prices.Oracle that random-walks a price around a base value.
// With zero volatility the price only changes through SetPrice.
type Generator struct {
	logger     *zap.SugaredLogger
	mu         sync.RWMutex
	feedID     string
	price      int64
	basePrice  int64
	expo       int32
	volatility float64
	lag        time.Duration
	failing    bool
	health     prices.ProviderHealth
	rng        *rand.Rand
}

// NewGenerator creates a generator for feedID starting at basePrice * 10^expo
func NewGenerator(logger *zap.SugaredLogger, feedID string, basePrice int64, expo int32, volatility float64, seed int64) *Generator {
	if basePrice <= 0 {
		basePrice = 100_00 // $100.00 at expo -2
		expo = -2
	}
	if volatility < 0 {
		volatility = 0
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Generator{
		logger:     logger,
		feedID:     feedID,
		price:      basePrice,
		basePrice:  basePrice,
		expo:       expo,
		volatility: volatility,
		rng:        rand.New(rand.NewSource(seed)),
		health: prices.ProviderHealth{
			Healthy:     true,
			LastSuccess: time.Now(),
		},
	}
}

// Name returns the provider identifier
func (g *Generator) Name() string {
	return "mock"
}

// Health returns current provider health status
func (g *Generator) Health() prices.ProviderHealth {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.health
}

// GetPrice advances the walk and returns a sample published lag before now
func (g *Generator) GetPrice(ctx context.Context, feedID string, maxAge time.Duration, now time.Time) (prices.Sample, error) {
	if err := ctx.Err(); err != nil {
		return prices.Sample{}, err
	}

	g.mu.Lock()
	if g.failing {
		g.health.Healthy = false
		g.health.LastError = "mock failure"
		g.mu.Unlock()
		return prices.Sample{}, prices.ErrStalePrice
	}
	if g.volatility > 0 {
		g.price = g.step(g.price)
	}
	sample := prices.Sample{
		FeedID:      g.feedID,
		Price:       g.price,
		Conf:        uint64(math.Abs(float64(g.price)) * 0.0005),
		Expo:        g.expo,
		PublishTime: now.Add(-g.lag),
	}
	g.health.Healthy = true
	g.health.LastSuccess = time.Now()
	g.mu.Unlock()

	if err := prices.Validate(sample, feedID, maxAge, now); err != nil {
		return prices.Sample{}, err
	}

	if g.logger != nil {
		g.logger.Debugw("Generated mock price", "feed", feedID, "price", sample.Price, "expo", sample.Expo)
	}
	return sample, nil
}

// step moves the price by a normally distributed relative change, clamped
// to half and one and a half times the base (must hold lock)
func (g *Generator) step(price int64) int64 {
	change := g.rng.NormFloat64() * g.volatility

	maxChange := g.volatility * 5
	if change > maxChange {
		change = maxChange
	} else if change < -maxChange {
		change = -maxChange
	}

	next := int64(math.Round(float64(price) * (1 + change)))
	minPrice := g.basePrice / 2
	maxPrice := g.basePrice + g.basePrice/2
	if next < minPrice {
		next = minPrice
	} else if next > maxPrice {
		next = maxPrice
	}
	return next
}

// SetPrice pins the current price and exponent
func (g *Generator) SetPrice(price int64, expo int32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.price = price
	g.expo = expo
}

// SetLag makes samples appear published lag before the requested time
func (g *Generator) SetLag(lag time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lag = lag
}

// SetFailing makes every read fail with ErrStalePrice
func (g *Generator) SetFailing(failing bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failing = failing
}

// Price returns the current price
func (g *Generator) Price() int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.price
}
