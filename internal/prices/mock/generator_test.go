package mock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leafsii/pm15-backend/internal/prices"
)

func TestGeneratorFixedPrice(t *testing.T) {
	g := NewGenerator(nil, prices.FeedSOLUSD, 10000, -2, 0, 1)
	now := time.Unix(1_700_000_000, 0)

	s, err := g.GetPrice(context.Background(), prices.FeedSOLUSD, time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), s.Price)
	assert.Equal(t, int32(-2), s.Expo)
	assert.Equal(t, now, s.PublishTime)

	g.SetPrice(10050, -2)
	s, err = g.GetPrice(context.Background(), prices.FeedSOLUSD, time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, int64(10050), s.Price)
}

func TestGeneratorStaleness(t *testing.T) {
	g := NewGenerator(nil, prices.FeedSOLUSD, 10000, -2, 0, 1)
	now := time.Unix(1_700_000_000, 0)

	g.SetLag(61 * time.Second)
	_, err := g.GetPrice(context.Background(), prices.FeedSOLUSD, time.Minute, now)
	assert.ErrorIs(t, err, prices.ErrStalePrice)

	g.SetLag(0)
	_, err = g.GetPrice(context.Background(), prices.FeedBTCUSD, time.Minute, now)
	assert.ErrorIs(t, err, prices.ErrStalePrice, "feed mismatch")

	g.SetFailing(true)
	_, err = g.GetPrice(context.Background(), prices.FeedSOLUSD, time.Minute, now)
	assert.ErrorIs(t, err, prices.ErrStalePrice)
	assert.False(t, g.Health().Healthy)
}

func TestGeneratorWalkStaysInBand(t *testing.T) {
	g := NewGenerator(nil, prices.FeedSOLUSD, 10000, -2, 0.05, 42)
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 1000; i++ {
		s, err := g.GetPrice(context.Background(), prices.FeedSOLUSD, time.Minute, now)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, s.Price, int64(5000))
		assert.LessOrEqual(t, s.Price, int64(15000))
	}
}
