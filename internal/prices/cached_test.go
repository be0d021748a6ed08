package prices

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/leafsii/pm15-backend/internal/store"
	memkv "github.com/leafsii/pm15-backend/pkg/kv/memory"
)

type mockOracle struct {
	mock.Mock
	calls int32
}

func (m *mockOracle) GetPrice(ctx context.Context, feedID string, maxAge time.Duration, now time.Time) (Sample, error) {
	atomic.AddInt32(&m.calls, 1)
	args := m.Called(ctx, feedID, maxAge, now)
	return args.Get(0).(Sample), args.Error(1)
}

func (m *mockOracle) Name() string           { return "mock" }
func (m *mockOracle) Health() ProviderHealth { return ProviderHealth{Healthy: true} }

func newCached(t *testing.T, inner Oracle) *CachedOracle {
	t.Helper()
	kvStore := memkv.New(0)
	t.Cleanup(func() { kvStore.Close() })
	return NewCachedOracle(inner, store.NewCache(kvStore, nil, nil), time.Minute, nil, nil)
}

func TestCachedOracleServesFromCache(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	sample := Sample{FeedID: FeedSOLUSD, Price: 10000, Expo: -2, PublishTime: now}

	inner := &mockOracle{}
	inner.On("GetPrice", mock.Anything, FeedSOLUSD, time.Minute, now).Return(sample, nil).Once()

	c := newCached(t, inner)
	for i := 0; i < 3; i++ {
		got, err := c.GetPrice(context.Background(), FeedSOLUSD, time.Minute, now)
		require.NoError(t, err)
		assert.Equal(t, int64(10000), got.Price)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.calls))
	inner.AssertExpectations(t)
}

func TestCachedOracleRevalidatesFreshness(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	t1 := t0.Add(2 * time.Minute)
	old := Sample{FeedID: FeedSOLUSD, Price: 10000, Expo: -2, PublishTime: t0}
	fresh := Sample{FeedID: FeedSOLUSD, Price: 10100, Expo: -2, PublishTime: t1}

	inner := &mockOracle{}
	inner.On("GetPrice", mock.Anything, FeedSOLUSD, time.Minute, t0).Return(old, nil).Once()
	inner.On("GetPrice", mock.Anything, FeedSOLUSD, time.Minute, t1).Return(fresh, nil).Once()

	c := newCached(t, inner)
	_, err := c.GetPrice(context.Background(), FeedSOLUSD, time.Minute, t0)
	require.NoError(t, err)

	// cached sample is too old at t1, so the oracle is consulted again
	got, err := c.GetPrice(context.Background(), FeedSOLUSD, time.Minute, t1)
	require.NoError(t, err)
	assert.Equal(t, int64(10100), got.Price)
	inner.AssertExpectations(t)
}

func TestCachedOraclePropagatesStale(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	inner := &mockOracle{}
	inner.On("GetPrice", mock.Anything, FeedSOLUSD, time.Minute, now).Return(Sample{}, ErrStalePrice)

	c := newCached(t, inner)
	_, err := c.GetPrice(context.Background(), FeedSOLUSD, time.Minute, now)
	assert.ErrorIs(t, err, ErrStalePrice)
}

func TestCachedOracleCollapsesConcurrentFetches(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	sample := Sample{FeedID: FeedSOLUSD, Price: 10000, Expo: -2, PublishTime: now}

	release := make(chan struct{})
	inner := &mockOracle{}
	inner.On("GetPrice", mock.Anything, FeedSOLUSD, time.Minute, now).
		Run(func(mock.Arguments) { <-release }).
		Return(sample, nil)

	c := newCached(t, inner)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetPrice(context.Background(), FeedSOLUSD, time.Minute, now)
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&inner.calls), int32(2))
}

func TestCachedOracleFlightSurvivesCanceledLeader(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	sample := Sample{FeedID: FeedSOLUSD, Price: 10000, Expo: -2, PublishTime: now}

	started := make(chan struct{})
	release := make(chan struct{})
	var fetchErr atomic.Value
	inner := &mockOracle{}
	inner.On("GetPrice", mock.Anything, FeedSOLUSD, time.Minute, now).
		Run(func(args mock.Arguments) {
			close(started)
			<-release
			fetchErr.Store(fmt.Sprint(args.Get(0).(context.Context).Err()))
		}).
		Return(sample, nil).Once()

	c := newCached(t, inner)
	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderDone := make(chan error, 1)
	go func() {
		_, err := c.GetPrice(leaderCtx, FeedSOLUSD, time.Minute, now)
		leaderDone <- err
	}()
	<-started

	followerDone := make(chan error, 1)
	go func() {
		got, err := c.GetPrice(context.Background(), FeedSOLUSD, time.Minute, now)
		if err == nil && got.Price != 10000 {
			err = fmt.Errorf("unexpected price %d", got.Price)
		}
		followerDone <- err
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-leaderDone, context.Canceled)

	close(release)
	assert.NoError(t, <-followerDone)
	assert.Equal(t, "<nil>", fetchErr.Load())
	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.calls))
}

func TestValidate(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := Sample{FeedID: "EF0D8B6FDA2CEBA41DA15D4095D1DA392A0D2F8ED0C6C7BC0F4CFAC8C280B56D", PublishTime: now.Add(-time.Minute)}

	assert.NoError(t, Validate(s, FeedSOLUSD, time.Minute, now))
	assert.ErrorIs(t, Validate(s, FeedSOLUSD, 59*time.Second, now), ErrStalePrice)
	assert.ErrorIs(t, Validate(s, FeedBTCUSD, time.Minute, now), ErrStalePrice)
	assert.ErrorIs(t, Validate(Sample{FeedID: FeedSOLUSD}, FeedSOLUSD, time.Minute, now), ErrStalePrice)

	future := s
	future.PublishTime = now.Add(5 * time.Second)
	assert.NoError(t, Validate(future, FeedSOLUSD, time.Minute, now))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	id, err := r.FeedID("sol/usd")
	require.NoError(t, err)
	assert.Equal(t, FeedSOLUSD, id)
	assert.Equal(t, "SOL/USD", r.Symbol(FeedSOLUSD))

	_, err = r.FeedID("DOGE/USD")
	assert.Error(t, err)

	resolved, err := r.Resolve("EF0D8B6FDA2CEBA41DA15D4095D1DA392A0D2F8ED0C6C7BC0F4CFAC8C280B56D")
	require.NoError(t, err)
	assert.Equal(t, FeedSOLUSD, resolved)

	_, err = r.Resolve("0x1234")
	assert.Error(t, err)
}
