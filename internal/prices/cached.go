package prices

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/leafsii/pm15-backend/internal/metrics"
	"github.com/leafsii/pm15-backend/internal/store"
)

const fetchTimeout = 10 * time.Second

// CachedOracle fronts an Oracle with a short-lived shared cache and collapses
// concurrent fetches for the same feed. Cached samples are re-validated
// against the caller's bound on every read, so caching never extends staleness.
type CachedOracle struct {
	inner   Oracle
	cache   *store.Cache
	ttl     time.Duration
	group   singleflight.Group
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewCachedOracle(inner Oracle, cache *store.Cache, ttl time.Duration, logger *zap.SugaredLogger, m *metrics.Metrics) *CachedOracle {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &CachedOracle{inner: inner, cache: cache, ttl: ttl, logger: logger, metrics: m}
}

func (c *CachedOracle) Name() string {
	return "cached-" + c.inner.Name()
}

func (c *CachedOracle) Health() ProviderHealth {
	return c.inner.Health()
}

func (c *CachedOracle) GetPrice(ctx context.Context, feedID string, maxAge time.Duration, now time.Time) (Sample, error) {
	key := NormalizeFeedID(feedID)

	var cached Sample
	if err := c.cache.GetOraclePrice(ctx, key, &cached); err == nil {
		if Validate(cached, feedID, maxAge, now) == nil {
			return cached, nil
		}
	} else if !errors.Is(err, store.ErrCacheMiss) && c.logger != nil {
		c.logger.Warnw("Oracle cache read failed", "feed", feedID, "error", err)
	}

	start := time.Now()
	ch := c.group.DoChan(key, func() (interface{}, error) {
		// the flight outlives whichever caller started it
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()

		sample, err := c.inner.GetPrice(fetchCtx, feedID, maxAge, now)
		if err != nil {
			return Sample{}, err
		}
		if err := c.cache.SetOraclePrice(fetchCtx, key, sample, c.ttl); err != nil && c.logger != nil {
			c.logger.Warnw("Oracle cache write failed", "feed", feedID, "error", err)
		}
		return sample, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		c.metrics.RecordOracle(ctx, c.inner.Name(), "canceled", time.Since(start))
		return Sample{}, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		c.metrics.RecordOracle(ctx, c.inner.Name(), "error", time.Since(start))
		return Sample{}, res.Err
	}
	c.metrics.RecordOracle(ctx, c.inner.Name(), "ok", time.Since(start))

	sample := res.Val.(Sample)
	if res.Shared {
		// another caller's bound produced this sample
		if err := Validate(sample, feedID, maxAge, now); err != nil {
			return Sample{}, err
		}
	}
	return sample, nil
}
