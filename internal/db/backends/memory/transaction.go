package memory

import (
	"context"
	"sort"

	"github.com/leafsii/pm15-backend/internal/db/interfaces"
)

// Transaction buffers writes in an overlay on top of the committed tables.
// It is only valid while the owning Database lock is held.
type Transaction struct {
	db        *Database
	readOnly  bool
	overlay   map[interfaces.Table]map[string][]byte
	completed bool
}

func newTransaction(db *Database, readOnly bool) *Transaction {
	return &Transaction{
		db:       db,
		readOnly: readOnly,
		overlay:  make(map[interfaces.Table]map[string][]byte),
	}
}

// Get returns the record value or ErrNotFound
func (tx *Transaction) Get(ctx context.Context, table interfaces.Table, key string) ([]byte, error) {
	if tx.completed {
		return nil, interfaces.ErrTransactionCompleted
	}
	if pending, ok := tx.overlay[table][key]; ok {
		return clone(pending), nil
	}
	base, err := tx.db.table(table)
	if err != nil {
		return nil, err
	}
	value, ok := base[key]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return clone(value), nil
}

// Insert creates a record, failing with ErrUniqueConstraint if the key exists
func (tx *Transaction) Insert(ctx context.Context, table interfaces.Table, key string, value []byte) error {
	if _, err := tx.Get(ctx, table, key); err == nil {
		return interfaces.ErrUniqueConstraint
	} else if err != interfaces.ErrNotFound {
		return err
	}
	return tx.Put(ctx, table, key, value)
}

// Put creates or replaces a record
func (tx *Transaction) Put(ctx context.Context, table interfaces.Table, key string, value []byte) error {
	if tx.completed {
		return interfaces.ErrTransactionCompleted
	}
	if tx.readOnly {
		return interfaces.ErrReadOnly
	}
	if _, err := tx.db.table(table); err != nil {
		return err
	}
	if tx.overlay[table] == nil {
		tx.overlay[table] = make(map[string][]byte)
	}
	tx.overlay[table][key] = clone(value)
	return nil
}

// Scan returns all records whose key starts with prefix, ordered by key
func (tx *Transaction) Scan(ctx context.Context, table interfaces.Table, prefix string) ([]interfaces.Record, error) {
	if tx.completed {
		return nil, interfaces.ErrTransactionCompleted
	}
	base, err := tx.db.table(table)
	if err != nil {
		return nil, err
	}

	merged := make(map[string][]byte)
	for k, v := range base {
		if hasPrefix(k, prefix) {
			merged[k] = v
		}
	}
	for k, v := range tx.overlay[table] {
		if hasPrefix(k, prefix) {
			merged[k] = v
		}
	}

	records := make([]interfaces.Record, 0, len(merged))
	for k, v := range merged {
		records = append(records, interfaces.Record{Key: k, Value: clone(v)})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records, nil
}

// ReadOnly reports whether writes are rejected
func (tx *Transaction) ReadOnly() bool {
	return tx.readOnly
}

// commit applies the overlay, must hold the write lock
func (tx *Transaction) commit() error {
	if tx.completed {
		return interfaces.ErrTransactionCompleted
	}
	for table, rows := range tx.overlay {
		base := tx.db.tables[table]
		for k, v := range rows {
			base[k] = v
		}
	}
	tx.completed = true
	return nil
}

// finish invalidates the transaction so a leaked handle cannot be reused
func (tx *Transaction) finish() {
	tx.completed = true
	tx.overlay = nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
