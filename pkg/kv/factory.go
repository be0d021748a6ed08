package kv

import (
	"context"
	"fmt"
	"time"
)

// Backend represents the storage backend type
type Backend string

const (
	// BackendMemory uses the in-memory store
	BackendMemory Backend = "memory"
	// BackendRedis uses Redis as the backend
	BackendRedis Backend = "redis"
)

// Config holds configuration for creating a Store instance
type Config struct {
	// Backend specifies which storage backend to use
	Backend Backend

	// RedisURL is the connection string for Redis (required when Backend is "redis")
	// Format: redis://localhost:6379/0 or redis://:password@localhost:6379/1
	RedisURL string

	// JanitorInterval controls how often the in-memory store cleans up expired keys
	// Default: 30 seconds
	JanitorInterval time.Duration

	// StartupProbeTimeout controls how long to wait for Redis at startup
	// Default: 1 second
	StartupProbeTimeout time.Duration
}

// StoreFactory defines a function that creates a Store instance
type StoreFactory func(cfg Config) (Store, error)

// factories holds registered store factories
var factories = make(map[Backend]StoreFactory)

// RegisterBackend registers a store factory for a given backend
func RegisterBackend(backend Backend, factory StoreFactory) {
	factories[backend] = factory
}

// NewStoreFromConfig creates a new Store instance based on the provided configuration.
// A Redis backend that does not answer a ping at startup is an error: the
// keeper lease must never silently degrade to a per-process store.
func NewStoreFromConfig(cfg Config) (Store, error) {
	if cfg.Backend == "" {
		cfg.Backend = BackendMemory
	}
	if cfg.JanitorInterval == 0 {
		cfg.JanitorInterval = 30 * time.Second
	}
	if cfg.StartupProbeTimeout == 0 {
		cfg.StartupProbeTimeout = 1 * time.Second
	}

	factory, exists := factories[cfg.Backend]
	if !exists {
		switch cfg.Backend {
		case BackendMemory, BackendRedis:
			return nil, fmt.Errorf("%s backend not registered", cfg.Backend)
		default:
			return nil, fmt.Errorf("unsupported backend: %s (supported: %s, %s)",
				cfg.Backend, BackendMemory, BackendRedis)
		}
	}

	store, err := factory(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.StartupProbeTimeout)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return store, nil
}
