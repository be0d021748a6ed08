package db

import (
	"context"
	"fmt"

	"github.com/leafsii/pm15-backend/internal/db/backends/memory"
	"github.com/leafsii/pm15-backend/internal/db/backends/postgres"
	"github.com/leafsii/pm15-backend/internal/db/interfaces"
)

// Config holds database configuration
type Config struct {
	Type     string // "memory" or "postgres"
	DSN      string // Data Source Name / Connection String
	MaxConns int    // Maximum pool connections (postgres)
	MinConns int    // Minimum pool connections (postgres)
}

// NewDatabase creates a new database instance based on configuration
func NewDatabase(config *Config) (interfaces.Database, error) {
	if config == nil {
		config = &Config{}
	}

	switch config.Type {
	case "", "memory":
		return memory.NewDatabase(), nil
	case "postgres":
		if config.DSN == "" {
			return nil, fmt.Errorf("postgres backend requires a DSN")
		}
		return postgres.NewDatabase(postgres.Config{
			DSN:      config.DSN,
			MaxConns: config.MaxConns,
			MinConns: config.MinConns,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}
}

// MustNewDatabase creates a new database instance and panics on error
func MustNewDatabase(config *Config) interfaces.Database {
	db, err := NewDatabase(config)
	if err != nil {
		panic(fmt.Sprintf("failed to create database: %v", err))
	}
	return db
}

// NewInMemoryDatabase creates a new in-memory database instance
func NewInMemoryDatabase() interfaces.Database {
	return memory.NewDatabase()
}

// ConnectAndMigrate connects to the database and runs migrations
func ConnectAndMigrate(ctx context.Context, db interfaces.Database, tables []interfaces.Table) error {
	if err := db.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if !db.IsHealthy(ctx) {
		return fmt.Errorf("database health check failed")
	}

	if err := db.Migrate(ctx, tables); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	return nil
}
