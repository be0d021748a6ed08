package metrics

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordHTTPRequest(ctx, "GET", "/", 200, time.Millisecond)
		m.RecordBet(ctx, "up", 10, 1)
		m.RecordClaim(ctx, "paid", 5)
		m.RecordTransition(ctx, "closed")
		m.RecordOracle(ctx, "pyth", "ok", time.Millisecond)
		m.RecordKeeperRun(ctx, "ok")
		m.IncrementConnections(ctx)
		m.DecrementConnections(ctx)
	})
}

func TestNoopMetrics(t *testing.T) {
	m := NewNoop()
	assert.NotNil(t, m)
	assert.NotPanics(t, func() {
		m.RecordBet(context.Background(), "down", math.MaxUint64, 0)
	})
}

func TestClampInt64(t *testing.T) {
	assert.Equal(t, int64(42), clampInt64(42))
	assert.Equal(t, int64(math.MaxInt64), clampInt64(math.MaxUint64))
}
