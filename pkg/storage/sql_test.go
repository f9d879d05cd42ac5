package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), Config{
		Driver: DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenRunsMigrations(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()

	for _, table := range []string{"resource_versions", "fallback_locks", "circuit_state"} {
		var n int
		err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "table %s should exist", table)
	}

	// second run is a no-op
	require.NoError(t, db.Migrate(ctx))

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count))
	assert.Equal(t, latestSchema, count)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle", DSN: "x"})
	require.Error(t, err)

	_, err = Open(context.Background(), Config{})
	require.Error(t, err)
}

func TestRebind(t *testing.T) {
	sqlite := &DB{driver: DriverSQLite}
	pg := &DB{driver: DriverPostgres}

	q := `UPDATE t SET a = ? WHERE b = ? AND c = ?`
	assert.Equal(t, q, sqlite.Rebind(q))
	assert.Equal(t, `UPDATE t SET a = $1 WHERE b = $2 AND c = $3`, pg.Rebind(q))

	assert.Empty(t, sqlite.ForUpdate())
	assert.Equal(t, " FOR UPDATE", pg.ForUpdate())
}

func TestInTxCommitAndRollback(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()

	err := db.InTx(ctx, TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO resource_versions(resource_id, version, updated_at_ms) VALUES('kept', 1, 0)`)
		return err
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = db.InTx(ctx, TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO resource_versions(resource_id, version, updated_at_ms) VALUES('dropped', 1, 0)`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM resource_versions`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestIsContention(t *testing.T) {
	assert.False(t, IsContention(nil))
	assert.False(t, IsContention(errors.New("syntax error")))
	assert.True(t, IsContention(context.DeadlineExceeded))
}

func TestUnavailableMarksOnce(t *testing.T) {
	assert.NoError(t, Unavailable(nil))

	cause := errors.New("begin tx: context deadline exceeded")
	err := Unavailable(cause)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, err, Unavailable(err))
}
