package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/leafsii/pm15-backend/internal/db/interfaces"
)

// Transaction wraps a pgx transaction.
type Transaction struct {
	db        *Database
	tx        pgx.Tx
	readOnly  bool
	completed bool
}

// Get reads a record, locking the row when the transaction is writable.
func (t *Transaction) Get(ctx context.Context, table interfaces.Table, key string) ([]byte, error) {
	if err := t.check(table); err != nil {
		return nil, err
	}

	query := `SELECT value FROM records WHERE tbl = $1 AND key = $2`
	if !t.readOnly {
		query += ` FOR UPDATE`
	}

	var value []byte
	err := t.tx.QueryRow(ctx, query, string(table), key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, &interfaces.DatabaseError{Op: "get", Err: fmt.Errorf("postgres: get %s/%s: %w", table, key, err)}
	}
	return value, nil
}

// Insert creates a record; a conflicting key yields ErrUniqueConstraint.
func (t *Transaction) Insert(ctx context.Context, table interfaces.Table, key string, value []byte) error {
	if err := t.checkWrite(table); err != nil {
		return err
	}

	const query = `
		INSERT INTO records (tbl, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (tbl, key) DO NOTHING`

	tag, err := t.tx.Exec(ctx, query, string(table), key, value)
	if err != nil {
		return &interfaces.DatabaseError{Op: "insert", Err: fmt.Errorf("postgres: insert %s/%s: %w", table, key, err)}
	}
	if tag.RowsAffected() == 0 {
		return interfaces.ErrUniqueConstraint
	}
	return nil
}

// Put upserts a record.
func (t *Transaction) Put(ctx context.Context, table interfaces.Table, key string, value []byte) error {
	if err := t.checkWrite(table); err != nil {
		return err
	}

	const query = `
		INSERT INTO records (tbl, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (tbl, key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`

	if _, err := t.tx.Exec(ctx, query, string(table), key, value); err != nil {
		return &interfaces.DatabaseError{Op: "put", Err: fmt.Errorf("postgres: put %s/%s: %w", table, key, err)}
	}
	return nil
}

// Scan returns every record in table whose key starts with prefix, ordered by key.
func (t *Transaction) Scan(ctx context.Context, table interfaces.Table, prefix string) ([]interfaces.Record, error) {
	if err := t.check(table); err != nil {
		return nil, err
	}

	const query = `
		SELECT key, value FROM records
		WHERE tbl = $1 AND key LIKE $2 ESCAPE '\'
		ORDER BY key`

	rows, err := t.tx.Query(ctx, query, string(table), escapeLike(prefix)+"%")
	if err != nil {
		return nil, &interfaces.DatabaseError{Op: "scan", Err: fmt.Errorf("postgres: scan %s: %w", table, err)}
	}
	defer rows.Close()

	var records []interfaces.Record
	for rows.Next() {
		var r interfaces.Record
		if err := rows.Scan(&r.Key, &r.Value); err != nil {
			return nil, &interfaces.DatabaseError{Op: "scan", Err: fmt.Errorf("postgres: scan row: %w", err)}
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &interfaces.DatabaseError{Op: "scan", Err: fmt.Errorf("postgres: scan rows: %w", err)}
	}
	return records, nil
}

// ReadOnly reports whether writes are rejected.
func (t *Transaction) ReadOnly() bool {
	return t.readOnly
}

func (t *Transaction) check(table interfaces.Table) error {
	if t.completed {
		return interfaces.ErrTransactionCompleted
	}
	return t.db.checkTable(table)
}

func (t *Transaction) checkWrite(table interfaces.Table) error {
	if err := t.check(table); err != nil {
		return err
	}
	if t.readOnly {
		return interfaces.ErrReadOnly
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
