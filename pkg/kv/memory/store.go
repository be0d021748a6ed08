package memory

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/leafsii/pm15-backend/pkg/kv"
)

// Store is an in-memory implementation of the kv.Store interface
type Store struct {
	mu          sync.Mutex
	strings     map[string][]byte
	expirations map[string]time.Time
	now         func() time.Time

	janitorInterval time.Duration
	janitorStop     chan struct{}
	janitorDone     chan struct{}
	closeOnce       sync.Once
}

// New creates a new in-memory store with optional janitor for TTL cleanup
func New(janitorInterval time.Duration) *Store {
	s := &Store{
		strings:         make(map[string][]byte),
		expirations:     make(map[string]time.Time),
		now:             time.Now,
		janitorInterval: janitorInterval,
		janitorStop:     make(chan struct{}),
		janitorDone:     make(chan struct{}),
	}

	if janitorInterval > 0 {
		go s.janitor()
	} else {
		close(s.janitorDone)
	}

	return s
}

// janitor runs background expiration cleanup
func (s *Store) janitor() {
	defer close(s.janitorDone)
	ticker := time.NewTicker(s.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-s.janitorStop:
			return
		}
	}
}

// evictExpired removes all expired keys
func (s *Store) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, expiry := range s.expirations {
		if !now.Before(expiry) {
			s.deleteUnsafe(key)
		}
	}
}

// liveUnsafe returns the value if present and not expired, evicting lazily (must hold lock)
func (s *Store) liveUnsafe(key string) ([]byte, bool) {
	if expiry, ok := s.expirations[key]; ok && !s.now().Before(expiry) {
		s.deleteUnsafe(key)
		return nil, false
	}
	v, ok := s.strings[key]
	return v, ok
}

// setExpiration sets TTL for a key (must hold lock)
func (s *Store) setExpiration(key string, ttl time.Duration) {
	if ttl > 0 {
		s.expirations[key] = s.now().Add(ttl)
	} else {
		delete(s.expirations, key)
	}
}

func (s *Store) deleteUnsafe(key string) {
	delete(s.strings, key)
	delete(s.expirations, key)
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl ...time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.strings[key] = clone(value)
	var d time.Duration
	if len(ttl) > 0 {
		d = ttl[0]
	}
	s.setExpiration(key, d)
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.liveUnsafe(key)
	if !ok {
		return nil, kv.ErrNotFound
	}
	return clone(value), nil
}

func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.liveUnsafe(key); ok {
		return false, nil
	}
	s.strings[key] = clone(value)
	s.setExpiration(key, ttl)
	return true, nil
}

func (s *Store) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.liveUnsafe(key)
	if !ok || !bytes.Equal(value, expected) {
		return false, nil
	}
	s.deleteUnsafe(key)
	return true, nil
}

// Key operations

func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for _, key := range keys {
		if _, ok := s.liveUnsafe(key); ok {
			deleted++
		}
		s.deleteUnsafe(key)
	}
	return deleted, nil
}

func (s *Store) Exists(ctx context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists int64
	for _, key := range keys {
		if _, ok := s.liveUnsafe(key); ok {
			exists++
		}
	}
	return exists, nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.liveUnsafe(key); !ok {
		return false, nil
	}
	if ttl <= 0 {
		s.deleteUnsafe(key)
		return true, nil
	}
	s.setExpiration(key, ttl)
	return true, nil
}

// TTL returns -1 for keys without expiry and ErrNotFound for missing keys
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.liveUnsafe(key); !ok {
		return 0, kv.ErrNotFound
	}
	expiry, ok := s.expirations[key]
	if !ok {
		return -1, nil
	}
	return expiry.Sub(s.now()), nil
}

// Counter operations

func (s *Store) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if value, ok := s.liveUnsafe(key); ok {
		parsed, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil {
			return 0, err
		}
		current = parsed
	}
	current += n
	s.strings[key] = []byte(strconv.FormatInt(current, 10))
	return current, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.janitorStop)
	})
	<-s.janitorDone
	return nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
