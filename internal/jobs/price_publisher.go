package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leafsii/pm15-backend/internal/metrics"
	"github.com/leafsii/pm15-backend/internal/prices"
	"github.com/leafsii/pm15-backend/internal/store"
)

// PriceChannel is the pub/sub channel ticks for symbol are published on.
func PriceChannel(symbol string) string {
	return "pm15:oracle:price:" + symbol
}

// TickHistoryKey is the cache key holding recent ticks for a feed.
func TickHistoryKey(feedID string) string {
	return "pm15:ticks:" + prices.NormalizeFeedID(feedID)
}

type PricePublisherConfig struct {
	Interval time.Duration // how often the oracle is polled
	MaxAge   time.Duration // staleness bound passed to the oracle
	MaxTicks int           // ticks kept in the history key
	TTL      time.Duration // cache TTL for latest tick and history

	// Bound, when set and ok, replaces MaxAge on each poll.
	Bound func(ctx context.Context) (time.Duration, bool)
}

func DefaultPricePublisherConfig() PricePublisherConfig {
	return PricePublisherConfig{
		Interval: 2 * time.Second,
		MaxAge:   60 * time.Second,
		MaxTicks: 900,
		TTL:      30 * time.Minute,
	}
}

// PricePublisher polls the oracle for the market feed and fans each sample
// out to the cache and the pub/sub channel the websocket hub listens on.
type PricePublisher struct {
	oracle  prices.Oracle
	feedID  string
	symbol  string
	cache   *store.Cache
	pubsub  store.PubSub
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
	config  PricePublisherConfig
	now     func() time.Time

	mu   sync.RWMutex
	last *prices.Tick
}

func NewPricePublisher(oracle prices.Oracle, feedID string, registry *prices.Registry, cache *store.Cache, pubsub store.PubSub, logger *zap.SugaredLogger, m *metrics.Metrics, config PricePublisherConfig) *PricePublisher {
	if registry == nil {
		registry = prices.NewRegistry()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultPricePublisherConfig().Interval
	}
	if config.MaxTicks <= 0 {
		config.MaxTicks = DefaultPricePublisherConfig().MaxTicks
	}
	return &PricePublisher{
		oracle:  oracle,
		feedID:  feedID,
		symbol:  registry.Symbol(feedID),
		cache:   cache,
		pubsub:  pubsub,
		logger:  logger,
		metrics: m,
		config:  config,
		now:     time.Now,
	}
}

// Symbol is the UI pair ticks are published under.
func (p *PricePublisher) Symbol() string {
	return p.symbol
}

func (p *PricePublisher) Start(ctx context.Context) error {
	p.logger.Infow("Starting price publisher",
		"provider", p.oracle.Name(),
		"feed", p.feedID,
		"symbol", p.symbol,
		"interval", p.config.Interval,
	)

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := p.PublishOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Warnw("Price poll failed", "provider", p.oracle.Name(), "error", err)
		}
		select {
		case <-ctx.Done():
			p.logger.Infow("Price publisher stopping due to context cancellation")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PublishOnce reads one sample and publishes it.
func (p *PricePublisher) PublishOnce(ctx context.Context) (prices.Tick, error) {
	sample, err := p.oracle.GetPrice(ctx, p.feedID, p.maxAge(ctx), p.now())
	if err != nil {
		return prices.Tick{}, err
	}
	tick := prices.TickFromSample(p.symbol, sample)
	p.processTick(ctx, tick)
	return tick, nil
}

func (p *PricePublisher) maxAge(ctx context.Context) time.Duration {
	if p.config.Bound != nil {
		if bound, ok := p.config.Bound(ctx); ok {
			return bound
		}
	}
	return p.config.MaxAge
}

// Latest returns the last published tick.
func (p *PricePublisher) Latest() (prices.Tick, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return prices.Tick{}, false
	}
	return *p.last, true
}

func (p *PricePublisher) processTick(ctx context.Context, tick prices.Tick) {
	p.mu.Lock()
	p.last = &tick
	p.mu.Unlock()

	if err := p.addToTickHistory(ctx, tick); err != nil {
		p.logger.Warnw("Failed to add tick to history", "symbol", tick.Symbol, "error", err)
	}

	channel := PriceChannel(tick.Symbol)
	if err := p.pubsub.Publish(ctx, channel, tick); err != nil {
		p.logger.Warnw("Failed to publish tick", "symbol", tick.Symbol, "channel", channel, "error", err)
	} else {
		p.logger.Debugw("Published tick", "symbol", tick.Symbol, "price", tick.Price)
	}
}

func (p *PricePublisher) addToTickHistory(ctx context.Context, tick prices.Tick) error {
	key := TickHistoryKey(tick.FeedID)

	var ticks []prices.Tick
	err := p.cache.Get(ctx, key, &ticks)
	if err != nil && !errors.Is(err, store.ErrCacheMiss) {
		return fmt.Errorf("failed to get existing ticks: %w", err)
	}

	ticks = append(ticks, tick)
	if len(ticks) > p.config.MaxTicks {
		ticks = ticks[len(ticks)-p.config.MaxTicks:]
	}

	if err := p.cache.Set(ctx, key, ticks, p.config.TTL); err != nil {
		return fmt.Errorf("failed to save tick history: %w", err)
	}
	return nil
}
