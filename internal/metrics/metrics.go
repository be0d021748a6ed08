package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds every instrument the service records. All methods are safe on
// a nil receiver so optional wiring stays simple.
type Metrics struct {
	HTTPRequests      metric.Int64Counter
	HTTPDuration      metric.Float64Histogram
	CacheHits         metric.Int64Counter
	CacheMisses       metric.Int64Counter
	ActiveConnections metric.Int64UpDownCounter

	Bets              metric.Int64Counter
	BetVolume         metric.Int64Counter
	FeesCollected     metric.Int64Counter
	Claims            metric.Int64Counter
	PayoutVolume      metric.Int64Counter
	MarketTransitions metric.Int64Counter
	OracleRequests    metric.Int64Counter
	OracleLatency     metric.Float64Histogram
	KeeperRuns        metric.Int64Counter
}

// Setup installs a Prometheus-backed meter provider and returns the /metrics handler.
func Setup(serviceName string) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m, err := New(provider.Meter(serviceName))
	if err != nil {
		return nil, nil, err
	}
	return m, promhttp.Handler(), nil
}

// NewNoop returns metrics that record nothing, for tests and tools.
func NewNoop() *Metrics {
	m, _ := New(noop.NewMeterProvider().Meter("noop"))
	return m
}

// New creates all instruments on meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.HTTPRequests, "pm15_http_requests_total", "Total number of HTTP requests"},
		{&m.CacheHits, "pm15_cache_hits_total", "Total number of cache hits"},
		{&m.CacheMisses, "pm15_cache_misses_total", "Total number of cache misses"},
		{&m.Bets, "pm15_bets_total", "Accepted bets"},
		{&m.BetVolume, "pm15_bet_gross_volume_total", "Gross stake accepted, base units"},
		{&m.FeesCollected, "pm15_fees_collected_total", "Protocol fees collected, base units"},
		{&m.Claims, "pm15_claims_total", "Claim attempts by outcome"},
		{&m.PayoutVolume, "pm15_payout_volume_total", "Paid out to participants, base units"},
		{&m.MarketTransitions, "pm15_market_transitions_total", "Market lifecycle transitions"},
		{&m.OracleRequests, "pm15_oracle_requests_total", "Oracle reads by source and result"},
		{&m.KeeperRuns, "pm15_keeper_runs_total", "Keeper passes by result"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	m.HTTPDuration, err = meter.Float64Histogram(
		"pm15_http_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, err
	}

	m.OracleLatency, err = meter.Float64Histogram(
		"pm15_oracle_latency_seconds",
		metric.WithDescription("Oracle fetch latency in seconds"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveConnections, err = meter.Int64UpDownCounter(
		"pm15_websocket_connections",
		metric.WithDescription("Number of active WebSocket connections"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	)

	m.HTTPRequests.Add(ctx, 1, labels)
	m.HTTPDuration.Record(ctx, duration.Seconds(), labels)
}

func (m *Metrics) RecordCacheHit(ctx context.Context, key string) {
	if m == nil {
		return
	}
	m.CacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

func (m *Metrics) RecordCacheMiss(ctx context.Context, key string) {
	if m == nil {
		return
	}
	m.CacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

func (m *Metrics) IncrementConnections(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(ctx, 1)
}

func (m *Metrics) DecrementConnections(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveConnections.Add(ctx, -1)
}

func (m *Metrics) RecordBet(ctx context.Context, side string, gross, fee uint64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("side", side))
	m.Bets.Add(ctx, 1, attrs)
	m.BetVolume.Add(ctx, clampInt64(gross), attrs)
	m.FeesCollected.Add(ctx, clampInt64(fee))
}

func (m *Metrics) RecordClaim(ctx context.Context, outcome string, payout uint64) {
	if m == nil {
		return
	}
	m.Claims.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if payout > 0 {
		m.PayoutVolume.Add(ctx, clampInt64(payout))
	}
}

func (m *Metrics) RecordTransition(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.MarketTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) RecordOracle(ctx context.Context, source, result string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("source", source), attribute.String("result", result))
	m.OracleRequests.Add(ctx, 1, attrs)
	m.OracleLatency.Record(ctx, duration.Seconds(), attrs)
}

func (m *Metrics) RecordKeeperRun(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.KeeperRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// counters are int64; amounts above MaxInt64 are clamped rather than wrapped
func clampInt64(v uint64) int64 {
	const max = uint64(1<<63 - 1)
	if v > max {
		return int64(max)
	}
	return int64(v)
}
