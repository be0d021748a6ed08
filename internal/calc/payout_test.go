package calc

import (
	"math"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProRata(t *testing.T) {
	tests := []struct {
		name      string
		pool      uint64
		stake     uint64
		sideTotal uint64
		expected  uint64
	}{
		{
			name:      "sole winner takes the pool",
			pool:      39_600_000,
			stake:     19_800_000,
			sideTotal: 19_800_000,
			expected:  39_600_000,
		},
		{
			name:      "floors toward zero",
			pool:      100,
			stake:     1,
			sideTotal: 3,
			expected:  33,
		},
		{
			name:      "wide intermediate",
			pool:      math.MaxUint64,
			stake:     math.MaxUint64 / 2,
			sideTotal: math.MaxUint64,
			expected:  math.MaxUint64 / 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ProRata(tt.pool, tt.stake, tt.sideTotal)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestProRataOverflow(t *testing.T) {
	_, err := ProRata(100, 1, 0)
	assert.ErrorIs(t, err, ErrOverflow)

	_, err = ProRata(math.MaxUint64, 2, 1)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestProRataNeverOverpays(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 500; round++ {
		n := 1 + rng.Intn(20)
		stakes := make([]uint64, n)
		var winners uint64
		for i := range stakes {
			stakes[i] = 1 + uint64(rng.Int63n(1_000_000_000))
			winners += stakes[i]
		}
		losers := uint64(rng.Int63n(10_000_000_000))
		pool := winners + losers

		var paid uint64
		for _, s := range stakes {
			p, err := ProRata(pool, s, winners)
			require.NoError(t, err)
			paid += p
		}
		assert.LessOrEqual(t, paid, pool)
		// Each payout loses less than one unit to flooring.
		assert.Less(t, pool-paid, uint64(n))
	}
}

func TestPotentialPayout(t *testing.T) {
	got, err := PotentialPayout(9_900_000, 19_800_000, 19_800_000)
	require.NoError(t, err)
	// pool 49.5M, side 29.7M -> 9.9M * 49.5 / 29.7 = 16.5M
	assert.Equal(t, uint64(16_500_000), got)

	got, err = PotentialPayout(0, 10, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got)
}

func TestSideShareAndMultiplier(t *testing.T) {
	assert.True(t, decimal.NewFromInt(50).Equal(SideShare(10, 10)))
	assert.True(t, decimal.Zero.Equal(SideShare(0, 0)))
	assert.True(t, decimal.NewFromInt(2).Equal(Multiplier(10, 10)))
	assert.True(t, decimal.Zero.Equal(Multiplier(0, 10)))
}

func TestFormatPrice(t *testing.T) {
	assert.Equal(t, "100", FormatPrice(10000, -2).String())
	assert.Equal(t, "100.5", FormatPrice(10050, -2).String())
	assert.Equal(t, "124.33864799", FormatPrice(12433864799, -8).String())
}
