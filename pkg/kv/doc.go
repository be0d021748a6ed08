// Package kv provides a small Redis-like key-value store abstraction with
// in-memory and Redis-backed implementations.
//
// The store covers what the service needs from a shared cache: byte values
// with TTL, atomic set-if-absent and compare-and-delete (for leases), and
// counters.
//
// Example usage:
//
//	store, err := kv.NewStoreFromConfig(kv.Config{Backend: kv.BackendMemory})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	ok, err := store.SetNX(ctx, "lock:keeper", []byte(token), 30*time.Second)
//
// Backends register themselves from their package init, so import
// pkg/kv/memory and pkg/kv/redis for side effects.
package kv
