package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leafsii/pm15-backend/internal/markets"
	"github.com/leafsii/pm15-backend/internal/metrics"
	"github.com/leafsii/pm15-backend/pkg/kv"
)

// MarketEngine is the part of the engine the keeper drives.
type MarketEngine interface {
	GetMarket(ctx context.Context, startTs int64) (markets.Market, error)
	ListMarkets(ctx context.Context, status *markets.Status, limit int) ([]markets.Market, error)
	CreateMarket(ctx context.Context, startTs int64) (markets.Market, error)
	CloseMarket(ctx context.Context, startTs int64) (markets.Market, error)
	ResolveMarket(ctx context.Context, startTs int64) (markets.Market, error)
}

type KeeperConfig struct {
	Interval time.Duration // pause between passes
	LeadTime time.Duration // how far ahead of its start a market is created
	LockKey  string
	LockTTL  time.Duration // must exceed the longest pass
}

func DefaultKeeperConfig() KeeperConfig {
	return KeeperConfig{
		Interval: 30 * time.Second,
		LeadTime: 60 * time.Second,
		LockKey:  "pm15:keeper:lock",
		LockTTL:  2 * time.Minute,
	}
}

// Report summarizes one keeper pass.
type Report struct {
	Skipped   bool    `json:"skipped"`
	Created   []int64 `json:"created,omitempty"`
	Closed    []int64 `json:"closed,omitempty"`
	Resolved  []int64 `json:"resolved,omitempty"`
	Cancelled []int64 `json:"cancelled,omitempty"`
	Failed    int     `json:"failed"`
}

// Keeper schedules the next aligned market and walks ended markets through
// close and resolution. A kv lock keeps replicas from running passes at once.
type Keeper struct {
	engine  MarketEngine
	locks   kv.Store
	clock   markets.Clock
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
	config  KeeperConfig
}

// NewKeeper builds a keeper. locks may be nil when only one replica runs.
func NewKeeper(engine MarketEngine, locks kv.Store, clock markets.Clock, logger *zap.SugaredLogger, m *metrics.Metrics, config KeeperConfig) *Keeper {
	def := DefaultKeeperConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.LeadTime <= 0 {
		config.LeadTime = def.LeadTime
	}
	if config.LockKey == "" {
		config.LockKey = def.LockKey
	}
	if config.LockTTL <= 0 {
		config.LockTTL = def.LockTTL
	}
	if clock == nil {
		clock = markets.SystemClock
	}
	return &Keeper{engine: engine, locks: locks, clock: clock, logger: logger, metrics: m, config: config}
}

// NextStart returns the first window boundary at or after now.
func NextStart(now int64) int64 {
	d := markets.MarketDuration
	if now <= 0 {
		return 0
	}
	return (now + d - 1) / d * d
}

// Run executes a pass immediately and then every Interval until ctx ends.
func (k *Keeper) Run(ctx context.Context) error {
	k.logger.Infow("Starting keeper", "interval", k.config.Interval, "leadTime", k.config.LeadTime)

	ticker := time.NewTicker(k.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := k.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			k.logger.Errorw("Keeper pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			k.logger.Infow("Keeper stopping due to context cancellation")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single pass. Per-market failures are logged and
// counted; only a lock backend failure is returned.
func (k *Keeper) RunOnce(ctx context.Context) (Report, error) {
	var report Report

	release, acquired, err := k.acquire(ctx)
	if err != nil {
		k.metrics.RecordKeeperRun(ctx, "lock_error")
		return report, err
	}
	if !acquired {
		report.Skipped = true
		k.logger.Debugw("Keeper pass skipped, lock held elsewhere")
		k.metrics.RecordKeeperRun(ctx, "skipped")
		return report, nil
	}
	defer release()

	now := k.clock.Now().Unix()
	k.scheduleNext(ctx, now, &report)
	k.closeEnded(ctx, now, &report)
	k.resolveClosed(ctx, &report)

	result := "ok"
	if report.Failed > 0 {
		result = "partial"
	}
	k.metrics.RecordKeeperRun(ctx, result)
	if len(report.Created)+len(report.Closed)+len(report.Resolved)+len(report.Cancelled)+report.Failed > 0 {
		k.logger.Infow("Keeper pass completed",
			"created", report.Created,
			"closed", report.Closed,
			"resolved", report.Resolved,
			"cancelled", report.Cancelled,
			"failed", report.Failed,
		)
	}
	return report, nil
}

func (k *Keeper) scheduleNext(ctx context.Context, now int64, report *Report) {
	next := NextStart(now)
	// a boundary equal to now can no longer be created
	if next <= now || time.Duration(next-now)*time.Second >= k.config.LeadTime {
		return
	}

	_, err := k.engine.GetMarket(ctx, next)
	if err == nil {
		return
	}
	if !errors.Is(err, markets.ErrMarketNotFound) {
		k.fail(report, "lookup", next, err)
		return
	}

	if _, err := k.engine.CreateMarket(ctx, next); err != nil {
		if errors.Is(err, markets.ErrMarketExists) {
			return
		}
		k.fail(report, "create", next, err)
		return
	}
	report.Created = append(report.Created, next)
}

func (k *Keeper) closeEnded(ctx context.Context, now int64, report *Report) {
	open := markets.StatusOpen
	list, err := k.engine.ListMarkets(ctx, &open, 0)
	if err != nil {
		k.fail(report, "list open", 0, err)
		return
	}
	for _, m := range list {
		if now < m.EndTs {
			continue
		}
		if _, err := k.engine.CloseMarket(ctx, m.StartTs); err != nil {
			k.fail(report, "close", m.StartTs, err)
			continue
		}
		report.Closed = append(report.Closed, m.StartTs)
	}
}

func (k *Keeper) resolveClosed(ctx context.Context, report *Report) {
	closed := markets.StatusClosed
	list, err := k.engine.ListMarkets(ctx, &closed, 0)
	if err != nil {
		k.fail(report, "list closed", 0, err)
		return
	}
	for _, m := range list {
		settled, err := k.engine.ResolveMarket(ctx, m.StartTs)
		if err != nil {
			k.fail(report, "resolve", m.StartTs, err)
			continue
		}
		if settled.Status == markets.StatusCancelled {
			report.Cancelled = append(report.Cancelled, m.StartTs)
		} else {
			report.Resolved = append(report.Resolved, m.StartTs)
		}
	}
}

func (k *Keeper) fail(report *Report, op string, startTs int64, err error) {
	report.Failed++
	if errors.Is(err, markets.ErrStalePrice) {
		k.logger.Warnw("Keeper step deferred, oracle stale", "op", op, "startTs", startTs, "error", err)
		return
	}
	k.logger.Errorw("Keeper step failed", "op", op, "startTs", startTs, "code", markets.Code(err), "error", err)
}

// acquire takes the pass lock. The release func only deletes the lock while
// it still holds this pass's token.
func (k *Keeper) acquire(ctx context.Context) (func(), bool, error) {
	if k.locks == nil {
		return func() {}, true, nil
	}
	token := []byte(uuid.NewString())
	ok, err := k.locks.SetNX(ctx, k.config.LockKey, token, k.config.LockTTL)
	if err != nil {
		return nil, false, fmt.Errorf("acquire keeper lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := k.locks.CompareAndDelete(releaseCtx, k.config.LockKey, token); err != nil {
			k.logger.Warnw("Failed to release keeper lock", "error", err)
		}
	}, true, nil
}
