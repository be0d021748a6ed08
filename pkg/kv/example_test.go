package kv_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/leafsii/pm15-backend/pkg/kv"

	// Import backends to register them
	_ "github.com/leafsii/pm15-backend/pkg/kv/memory"
)

func ExampleNewStoreFromConfig_memory() {
	store, err := kv.NewStoreFromConfig(kv.Config{
		Backend:         kv.BackendMemory,
		JanitorInterval: 30 * time.Second,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Set(ctx, "market:latest", []byte("1700000100")); err != nil {
		log.Fatal(err)
	}

	value, err := store.Get(ctx, "market:latest")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(string(value))
	// Output: 1700000100
}

func ExampleStore_SetNX() {
	store, err := kv.NewStoreFromConfig(kv.Config{Backend: kv.BackendMemory})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	first, _ := store.SetNX(ctx, "lock:keeper", []byte("a"), time.Minute)
	second, _ := store.SetNX(ctx, "lock:keeper", []byte("b"), time.Minute)
	released, _ := store.CompareAndDelete(ctx, "lock:keeper", []byte("a"))

	fmt.Println(first, second, released)
	// Output: true false true
}

func ExampleNewStoreFromConfig_unsupported() {
	_, err := kv.NewStoreFromConfig(kv.Config{Backend: "etcd"})
	fmt.Println(err)
	// Output: unsupported backend: etcd (supported: memory, redis)
}
