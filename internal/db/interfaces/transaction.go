package interfaces

import "context"

// Transaction represents a database transaction over keyed records.
// Records read through a writable transaction stay locked until it ends.
type Transaction interface {
	// Get returns the record value or ErrNotFound
	Get(ctx context.Context, table Table, key string) ([]byte, error)

	// Insert creates a record, failing with ErrUniqueConstraint if the key exists
	Insert(ctx context.Context, table Table, key string, value []byte) error

	// Put creates or replaces a record
	Put(ctx context.Context, table Table, key string, value []byte) error

	// Scan returns all records whose key starts with prefix, ordered by key
	Scan(ctx context.Context, table Table, prefix string) ([]Record, error)

	// ReadOnly reports whether writes are rejected
	ReadOnly() bool
}
