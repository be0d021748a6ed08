package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/leafsii/pm15-backend/pkg/kv"
)

// compareAndDeleteLua deletes KEYS[1] only while it still holds ARGV[1].
const compareAndDeleteLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Store is a Redis-backed implementation of the kv.Store interface
type Store struct {
	client *redis.Client
	cad    *redis.Script
}

// IsConnectionError checks if an error is a connection-related error
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	// Don't treat redis.Nil as a connection error (it means "key not found")
	if errors.Is(err, redis.Nil) {
		return false
	}

	// Context cancellation by caller is not a backend failure
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var sysErr syscall.Errno
	if errors.As(err, &sysErr) {
		switch sysErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED, syscall.ETIMEDOUT:
			return true
		}
	}

	errStr := err.Error()
	for _, connErr := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"network is unreachable",
		"timeout",
		"connection closed",
		"EOF",
	} {
		if strings.Contains(errStr, connErr) {
			return true
		}
	}

	return false
}

// wrapConnectionError wraps connection errors with ErrBackendUnavailable
func wrapConnectionError(err error) error {
	if err == nil {
		return nil
	}
	if IsConnectionError(err) {
		return fmt.Errorf("%w: %v", kv.ErrBackendUnavailable, err)
	}
	return err
}

// New creates a new Redis-backed store and verifies the connection
func New(redisURL string) (*Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		// Fallback for bare host:port
		opt = &redis.Options{Addr: redisURL}
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, wrapConnectionError(err)
	}

	return NewFromClient(client), nil
}

// NewFromClient wraps an existing client
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client, cad: redis.NewScript(compareAndDeleteLua)}
}

// Client exposes the underlying client for pub/sub
func (s *Store) Client() *redis.Client {
	return s.client
}

// String operations

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl ...time.Duration) error {
	var expiration time.Duration
	if len(ttl) > 0 {
		expiration = ttl[0]
	}
	return wrapConnectionError(s.client.Set(ctx, key, value, expiration).Err())
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, kv.ErrNotFound
		}
		return nil, wrapConnectionError(err)
	}
	return result, nil
}

func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	return ok, wrapConnectionError(err)
}

func (s *Store) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	n, err := s.cad.Run(ctx, s.client, []string{key}, expected).Int64()
	if err != nil {
		return false, wrapConnectionError(err)
	}
	return n == 1, nil
}

// Key operations

func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	n, err := s.client.Del(ctx, keys...).Result()
	return n, wrapConnectionError(err)
}

func (s *Store) Exists(ctx context.Context, keys ...string) (int64, error) {
	n, err := s.client.Exists(ctx, keys...).Result()
	return n, wrapConnectionError(err)
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.Expire(ctx, key, ttl).Result()
	return ok, wrapConnectionError(err)
}

// TTL returns -1 for keys without expiry and ErrNotFound for missing keys
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, wrapConnectionError(err)
	}

	// Redis reports -2 for missing keys and -1 for keys without expiry;
	// go-redis passes these through unscaled.
	switch ttl {
	case -2, -2 * time.Millisecond:
		return 0, kv.ErrNotFound
	case -1, -1 * time.Millisecond:
		return -1, nil
	}
	return ttl, nil
}

// Counter operations

func (s *Store) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	v, err := s.client.IncrBy(ctx, key, n).Result()
	return v, wrapConnectionError(err)
}

func (s *Store) Ping(ctx context.Context) error {
	return wrapConnectionError(s.client.Ping(ctx).Err())
}

func (s *Store) Close() error {
	return s.client.Close()
}
