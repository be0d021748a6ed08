package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leafsii/pm15-backend/internal/db/interfaces"
)

func TestEscapeLike(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"abc", "abc"},
		{"a_b", `a\_b`},
		{"50%", `50\%`},
		{`c:\x`, `c:\\x`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, escapeLike(tt.in), tt.in)
	}
}

func TestDatabaseIntegration(t *testing.T) {
	dsn := os.Getenv("PM15_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PM15_TEST_POSTGRES_DSN not set, skipping postgres integration test")
	}

	ctx := context.Background()
	db := NewDatabase(Config{DSN: dsn})
	require.NoError(t, db.Connect(ctx))
	defer db.Disconnect(ctx)

	table := interfaces.Table("it_records")
	require.NoError(t, db.Migrate(ctx, []interfaces.Table{table}))

	_, err := db.Pool().Exec(ctx, `DELETE FROM records WHERE tbl = $1`, string(table))
	require.NoError(t, err)

	err = db.Transaction(ctx, func(ctx context.Context, tx interfaces.Transaction) error {
		if err := tx.Insert(ctx, table, "m_1", []byte(`{"n":1}`)); err != nil {
			return err
		}
		return tx.Put(ctx, table, "m_2", []byte(`{"n":2}`))
	})
	require.NoError(t, err)

	err = db.Transaction(ctx, func(ctx context.Context, tx interfaces.Transaction) error {
		return tx.Insert(ctx, table, "m_1", []byte(`{"n":3}`))
	})
	assert.ErrorIs(t, err, interfaces.ErrUniqueConstraint)

	err = db.View(ctx, func(ctx context.Context, tx interfaces.Transaction) error {
		records, err := tx.Scan(ctx, table, "m_")
		require.NoError(t, err)
		assert.Len(t, records, 2)
		assert.Equal(t, "m_1", records[0].Key)

		_, err = tx.Get(ctx, table, "missing")
		assert.ErrorIs(t, err, interfaces.ErrNotFound)

		assert.ErrorIs(t, tx.Put(ctx, table, "m_3", []byte(`{}`)), interfaces.ErrReadOnly)
		return nil
	})
	require.NoError(t, err)
}
