// Package kvtest provides conformance tests for kv.Store implementations
package kvtest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leafsii/pm15-backend/pkg/kv"
)

// StoreFactory creates a fresh Store instance for testing
type StoreFactory func(t *testing.T) kv.Store

// RunConformanceTests runs all conformance tests against a Store implementation
func RunConformanceTests(t *testing.T, factory StoreFactory) {
	tests := []struct {
		name string
		test func(t *testing.T, store kv.Store)
	}{
		{"SetGet", testSetGet},
		{"GetNonExistent", testGetNonExistent},
		{"Overwrite", testOverwrite},
		{"SetWithTTL", testSetWithTTL},
		{"SetNX", testSetNX},
		{"SetNXConcurrent", testSetNXConcurrent},
		{"SetNXAfterExpiry", testSetNXAfterExpiry},
		{"CompareAndDelete", testCompareAndDelete},
		{"DelExists", testDelExists},
		{"ExpireTTL", testExpireTTL},
		{"IncrBy", testIncrBy},
		{"Ping", testPing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			tt.test(t, store)
		})
	}
}

func testSetGet(t *testing.T, store kv.Store) {
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "test:string", []byte("hello world")))

	got, err := store.Get(ctx, "test:string")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), got)
}

func testGetNonExistent(t *testing.T, store kv.Store) {
	_, err := store.Get(context.Background(), "test:nonexistent")
	assert.True(t, errors.Is(err, kv.ErrNotFound), "expected ErrNotFound, got %v", err)
}

func testOverwrite(t *testing.T, store kv.Store) {
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "test:overwrite", []byte("a"), time.Minute))
	require.NoError(t, store.Set(ctx, "test:overwrite", []byte("b")))

	got, err := store.Get(ctx, "test:overwrite")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), got)

	// plain Set clears a previous expiry
	ttl, err := store.TTL(ctx, "test:overwrite")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), ttl)
}

func testSetWithTTL(t *testing.T, store kv.Store) {
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "test:ttl", []byte("v"), 100*time.Millisecond))

	_, err := store.Get(ctx, "test:ttl")
	require.NoError(t, err)

	time.Sleep(250 * time.Millisecond)

	_, err = store.Get(ctx, "test:ttl")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func testSetNX(t *testing.T, store kv.Store) {
	ctx := context.Background()

	ok, err := store.SetNX(ctx, "test:nx", []byte("first"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetNX(ctx, "test:nx", []byte("second"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Get(ctx, "test:nx")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)
}

func testSetNXConcurrent(t *testing.T, store kv.Store) {
	ctx := context.Background()
	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.SetNX(ctx, "test:nx:race", []byte("x"), time.Minute)
			if err == nil && ok {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners)
}

func testSetNXAfterExpiry(t *testing.T, store kv.Store) {
	ctx := context.Background()
	ok, err := store.SetNX(ctx, "test:nx:exp", []byte("a"), 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(250 * time.Millisecond)

	ok, err = store.SetNX(ctx, "test:nx:exp", []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func testCompareAndDelete(t *testing.T, store kv.Store) {
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "test:cad", []byte("token-a")))

	ok, err := store.CompareAndDelete(ctx, "test:cad", []byte("token-b"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.CompareAndDelete(ctx, "test:cad", []byte("token-a"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.CompareAndDelete(ctx, "test:cad", []byte("token-a"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func testDelExists(t *testing.T, store kv.Store) {
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "test:del1", []byte("1")))
	require.NoError(t, store.Set(ctx, "test:del2", []byte("2")))

	n, err := store.Exists(ctx, "test:del1", "test:del2", "test:del3")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = store.Del(ctx, "test:del1", "test:del3")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.Exists(ctx, "test:del1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testExpireTTL(t *testing.T, store kv.Store) {
	ctx := context.Background()

	_, err := store.TTL(ctx, "test:missing")
	assert.ErrorIs(t, err, kv.ErrNotFound)

	ok, err := store.Expire(ctx, "test:missing", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "test:expire", []byte("v")))
	ok, err = store.Expire(ctx, "test:expire", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ttl, err := store.TTL(ctx, "test:expire")
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)
	assert.LessOrEqual(t, ttl, time.Minute)
}

func testIncrBy(t *testing.T, store kv.Store) {
	ctx := context.Background()

	v, err := store.IncrBy(ctx, "test:counter", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	v, err = store.IncrBy(ctx, "test:counter", -2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

func testPing(t *testing.T, store kv.Store) {
	assert.NoError(t, store.Ping(context.Background()))
}
