package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/leafsii/pm15-backend/internal/db/interfaces"
)

// GetJSON loads and decodes a record.
func GetJSON[T any](ctx context.Context, tx interfaces.Transaction, table interfaces.Table, key string) (T, error) {
	var out T
	raw, err := tx.Get(ctx, table, key)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, &interfaces.DatabaseError{Op: fmt.Sprintf("decode %s/%s", table, key), Err: err}
	}
	return out, nil
}

// InsertJSON encodes and inserts a record that must not exist yet.
func InsertJSON(ctx context.Context, tx interfaces.Transaction, table interfaces.Table, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return &interfaces.DatabaseError{Op: fmt.Sprintf("encode %s/%s", table, key), Err: err}
	}
	return tx.Insert(ctx, table, key, raw)
}

// PutJSON encodes and upserts a record.
func PutJSON(ctx context.Context, tx interfaces.Transaction, table interfaces.Table, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return &interfaces.DatabaseError{Op: fmt.Sprintf("encode %s/%s", table, key), Err: err}
	}
	return tx.Put(ctx, table, key, raw)
}

// ScanJSON decodes every record under prefix.
func ScanJSON[T any](ctx context.Context, tx interfaces.Transaction, table interfaces.Table, prefix string) ([]T, error) {
	records, err := tx.Scan(ctx, table, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(records))
	for _, rec := range records {
		var v T
		if err := json.Unmarshal(rec.Value, &v); err != nil {
			return nil, &interfaces.DatabaseError{Op: fmt.Sprintf("decode %s/%s", table, rec.Key), Err: err}
		}
		out = append(out, v)
	}
	return out, nil
}
