package fencing

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pixperk/seatlock/pkg/storage"
	"github.com/pixperk/seatlock/pkg/storage/storagetest"
	"github.com/pixperk/seatlock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBumpVersionsIsMonotonic(t *testing.T) {
	a := NewAuthority(storagetest.Open(t))
	ctx := context.Background()

	v, err := a.BumpVersions(ctx, []string{"show-1/A1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v["show-1/A1"])

	v, err = a.BumpVersions(ctx, []string{"show-1/A1", "show-1/A2"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v["show-1/A1"])
	assert.Equal(t, uint64(1), v["show-1/A2"])

	cur, err := a.Current(ctx, "show-1/A1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cur)

	cur, err = a.Current(ctx, "never-seen")
	require.NoError(t, err)
	assert.Zero(t, cur)
}

func TestBumpDeduplicates(t *testing.T) {
	a := NewAuthority(storagetest.Open(t))

	v, err := a.BumpVersions(context.Background(), []string{"A1", "A1", "A1"})
	require.NoError(t, err)
	assert.Len(t, v, 1)
	assert.Equal(t, uint64(1), v["A1"])
}

func TestBumpRejectsEmptyInput(t *testing.T) {
	a := NewAuthority(storagetest.Open(t))

	_, err := a.BumpVersions(context.Background(), nil)
	assert.ErrorIs(t, err, types.ErrInvalidRequest)

	_, err = a.BumpVersions(context.Background(), []string{""})
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}

func TestRefusedGrantLeavesNoBump(t *testing.T) {
	a := NewAuthority(storagetest.Open(t))
	ctx := context.Background()

	_, err := a.BumpVersions(ctx, []string{"A1"})
	require.NoError(t, err)

	refused := errors.New("refused")
	_, err = a.Bump(ctx, []string{"A1", "A2"}, func(ctx context.Context, tx *sql.Tx, versions map[string]uint64) error {
		assert.Equal(t, uint64(2), versions["A1"])
		assert.Equal(t, uint64(1), versions["A2"])
		return refused
	})
	require.ErrorIs(t, err, refused)
	assert.NotErrorIs(t, err, storage.ErrUnavailable)

	cur, err := a.Current(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cur, "bump must roll back with the grant")

	cur, err = a.Current(ctx, "A2")
	require.NoError(t, err)
	assert.Zero(t, cur)
}

func TestBumpMarksStoreFailures(t *testing.T) {
	db := storagetest.Open(t)
	a := NewAuthority(db)

	// sqlite runs on a single connection; holding it starves the bump
	conn, err := db.Conn(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	granted := false
	_, err = a.Bump(ctx, []string{"A1"}, func(context.Context, *sql.Tx, map[string]uint64) error {
		granted = true
		return nil
	})
	require.ErrorIs(t, err, storage.ErrUnavailable)
	assert.False(t, granted)
}

func TestConcurrentBumpsAreUnique(t *testing.T) {
	a := NewAuthority(storagetest.Open(t))

	const n = 20
	var wg sync.WaitGroup
	results := make([]uint64, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			v, err := a.BumpVersions(context.Background(), []string{"hot"})
			errs[idx] = err
			results[idx] = v["hot"]
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.False(t, seen[results[i]], "version %d handed out twice", results[i])
		seen[results[i]] = true
	}
	assert.Len(t, seen, n)
}
