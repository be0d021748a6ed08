package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/leafsii/pm15-backend/internal/db/interfaces"
)

// Database implements the Database interface for in-memory storage.
// Writable transactions are serialized by mu, which makes every commit
// linearizable; read-only views share the lock.
type Database struct {
	mu        sync.RWMutex
	tables    map[interfaces.Table]map[string][]byte // table -> key -> value
	connected bool
}

// NewDatabase creates a new in-memory database
func NewDatabase() *Database {
	return &Database{
		tables: make(map[interfaces.Table]map[string][]byte),
	}
}

// Connect establishes a connection to the database
func (db *Database) Connect(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.connected = true
	return nil
}

// Disconnect closes the database connection
func (db *Database) Disconnect(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.connected = false
	db.tables = make(map[interfaces.Table]map[string][]byte)
	return nil
}

// IsHealthy checks if the database connection is healthy
func (db *Database) IsHealthy(ctx context.Context) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return db.connected
}

// Transaction executes fn while holding the write lock and applies its writes
// only when fn succeeds.
func (db *Database) Transaction(ctx context.Context, fn func(ctx context.Context, tx interfaces.Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if !db.connected {
		return interfaces.ErrDatabaseNotConnected
	}

	tx := newTransaction(db, false)
	defer tx.finish()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return tx.commit()
}

// View executes fn against a read-only transaction
func (db *Database) View(ctx context.Context, fn func(ctx context.Context, tx interfaces.Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	if !db.connected {
		return interfaces.ErrDatabaseNotConnected
	}

	tx := newTransaction(db, true)
	defer tx.finish()

	return fn(ctx, tx)
}

// Migrate creates tables that do not exist yet
func (db *Database) Migrate(ctx context.Context, tables []interfaces.Table) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if !db.connected {
		return interfaces.ErrDatabaseNotConnected
	}

	for _, table := range tables {
		if _, exists := db.tables[table]; !exists {
			db.tables[table] = make(map[string][]byte)
		}
	}
	return nil
}

// GetTables returns all table names (for debugging/testing)
func (db *Database) GetTables() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()

	tables := make([]string, 0, len(db.tables))
	for name := range db.tables {
		tables = append(tables, string(name))
	}
	sort.Strings(tables)
	return tables
}

// Clear removes all data from all tables (for testing)
func (db *Database) Clear() {
	db.mu.Lock()
	defer db.mu.Unlock()

	for name := range db.tables {
		db.tables[name] = make(map[string][]byte)
	}
}

// table returns the committed table, must hold mu
func (db *Database) table(name interfaces.Table) (map[string][]byte, error) {
	t, ok := db.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUnknownTable, name)
	}
	return t, nil
}

func hasPrefix(key, prefix string) bool {
	return prefix == "" || strings.HasPrefix(key, prefix)
}
