// Package postgres implements the record store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/leafsii/pm15-backend/internal/db/backends/postgres/migrations"
	"github.com/leafsii/pm15-backend/internal/db/interfaces"
)

// Config holds connection parameters for the pool.
type Config struct {
	DSN      string
	MaxConns int
	MinConns int
}

// Database implements interfaces.Database on a single JSONB records table.
// Writable transactions lock the rows they read with SELECT ... FOR UPDATE.
type Database struct {
	cfg  Config
	pool *pgxpool.Pool

	mu     sync.RWMutex
	tables map[interfaces.Table]struct{}
}

// NewDatabase returns an unconnected database.
func NewDatabase(cfg Config) *Database {
	return &Database{
		cfg:    cfg,
		tables: make(map[interfaces.Table]struct{}),
	}
}

// Connect opens and pings the pool.
func (db *Database) Connect(ctx context.Context) error {
	poolCfg, err := pgxpool.ParseConfig(db.cfg.DSN)
	if err != nil {
		return fmt.Errorf("postgres: parse config: %w", err)
	}
	if db.cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(db.cfg.MaxConns)
	}
	if db.cfg.MinConns > 0 {
		poolCfg.MinConns = int32(db.cfg.MinConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("postgres: ping: %w", err)
	}

	db.mu.Lock()
	db.pool = pool
	db.mu.Unlock()
	return nil
}

// Disconnect closes the pool.
func (db *Database) Disconnect(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.pool != nil {
		db.pool.Close()
		db.pool = nil
	}
	return nil
}

// IsHealthy pings the pool.
func (db *Database) IsHealthy(ctx context.Context) bool {
	pool := db.getPool()
	if pool == nil {
		return false
	}
	return pool.Ping(ctx) == nil
}

// Pool exposes the underlying pool, nil when disconnected.
func (db *Database) Pool() *pgxpool.Pool {
	return db.getPool()
}

// Migrate applies the embedded goose migrations and registers the tables.
func (db *Database) Migrate(ctx context.Context, tables []interfaces.Table) error {
	pool := db.getPool()
	if pool == nil {
		return interfaces.ErrDatabaseNotConnected
	}
	if err := RunMigrations(ctx, pool); err != nil {
		return err
	}

	db.mu.Lock()
	for _, t := range tables {
		db.tables[t] = struct{}{}
	}
	db.mu.Unlock()
	return nil
}

// RunMigrations applies every pending migration from the embedded FS.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	sqlDB := stdlib.OpenDBFromPool(pool)
	defer sqlDB.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("postgres: set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, sqlDB, "."); err != nil {
		return fmt.Errorf("postgres: migrate up: %w", err)
	}
	return nil
}

// Transaction runs fn inside a read-committed transaction and commits on success.
func (db *Database) Transaction(ctx context.Context, fn func(ctx context.Context, tx interfaces.Transaction) error) error {
	return db.run(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, false, fn)
}

// View runs fn inside a read-only repeatable-read transaction.
func (db *Database) View(ctx context.Context, fn func(ctx context.Context, tx interfaces.Transaction) error) error {
	return db.run(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, true, fn)
}

func (db *Database) run(ctx context.Context, opts pgx.TxOptions, readOnly bool, fn func(ctx context.Context, tx interfaces.Transaction) error) error {
	pool := db.getPool()
	if pool == nil {
		return interfaces.ErrDatabaseNotConnected
	}

	pgTx, err := pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}

	tx := &Transaction{db: db, tx: pgTx, readOnly: readOnly}
	if err := fn(ctx, tx); err != nil {
		tx.completed = true
		if rbErr := pgTx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("postgres: rollback: %w", rbErr))
		}
		return err
	}

	tx.completed = true
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func (db *Database) getPool() *pgxpool.Pool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.pool
}

func (db *Database) checkTable(table interfaces.Table) error {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if _, ok := db.tables[table]; !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrUnknownTable, table)
	}
	return nil
}
