package interfaces

import (
	"errors"
)

// Table names a logical record collection
type Table string

// Record is a single keyed value
type Record struct {
	Key   string
	Value []byte
}

// Common database errors
var (
	ErrNotFound             = errors.New("record not found")
	ErrUniqueConstraint     = errors.New("unique constraint violation")
	ErrReadOnly             = errors.New("write in read-only transaction")
	ErrTransactionCompleted = errors.New("transaction already completed")
	ErrDatabaseNotConnected = errors.New("database not connected")
	ErrUnknownTable         = errors.New("unknown table")
)

// DatabaseError wraps database-specific errors
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *DatabaseError) Unwrap() error {
	return e.Err
}
