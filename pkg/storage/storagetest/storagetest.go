// Package storagetest opens throwaway sqlite stores for tests.
package storagetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pixperk/seatlock/pkg/storage"
	"github.com/stretchr/testify/require"
)

func Open(t testing.TB) *storage.DB {
	t.Helper()

	db, err := storage.Open(context.Background(), storage.Config{
		Driver: storage.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "seatlock.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db
}
