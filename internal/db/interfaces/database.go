package interfaces

import "context"

// Database represents the main database interface
type Database interface {
	// Connect establishes a connection to the database
	Connect(ctx context.Context) error

	// Disconnect closes the database connection
	Disconnect(ctx context.Context) error

	// IsHealthy checks if the database connection is healthy
	IsHealthy(ctx context.Context) bool

	// Transaction executes fn atomically. Writes made through tx become visible
	// only if fn returns nil; any error discards all of them.
	Transaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error

	// View executes fn against a read-only transaction
	View(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error

	// Migrate creates tables and applies schema changes
	Migrate(ctx context.Context, tables []Table) error
}
