package fallback_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pixperk/seatlock/pkg/backend/backendtest"
	"github.com/pixperk/seatlock/pkg/backend/fallback"
	"github.com/pixperk/seatlock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndConflict(t *testing.T) {
	env := backendtest.New(t)
	ctx := context.Background()

	res, err := env.Fallback.Acquire(ctx, types.AcquireRequest{ResourceID: "A1", Owner: "alice:s1", TTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, types.BackendFallback, res.Backend)
	assert.Equal(t, uint64(1), res.Lock.Version)
	assert.Equal(t, time.Minute, res.Lock.ExpiresAt.Sub(res.Lock.AcquiredAt))

	env.Clock.Advance(20 * time.Second)

	_, err = env.Fallback.Acquire(ctx, types.AcquireRequest{ResourceID: "A1", Owner: "bob:s1", TTL: time.Minute})
	var ce *types.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "alice:s1", ce.Owner)
	assert.Equal(t, 40*time.Second, ce.RetryAfter)

	v, err := env.Authority.Current(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v, "a refused acquire must not bump the version")
}

func TestExpiredRowIsReclaimed(t *testing.T) {
	env := backendtest.New(t)
	ctx := context.Background()

	_, err := env.Fallback.Acquire(ctx, types.AcquireRequest{ResourceID: "A1", Owner: "alice:s1", TTL: 2 * time.Second})
	require.NoError(t, err)

	env.Clock.Advance(2 * time.Second)

	st, err := env.Fallback.Status(ctx, "A1")
	require.NoError(t, err)
	assert.False(t, st.Locked, "expired row is logically absent")

	res, err := env.Fallback.Acquire(ctx, types.AcquireRequest{ResourceID: "A1", Owner: "bob:s1", TTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Lock.Version)
	assert.Equal(t, "bob:s1", res.Lock.Owner)
}

func TestReleaseSemantics(t *testing.T) {
	env := backendtest.New(t)
	ctx := context.Background()

	_, err := env.Fallback.Acquire(ctx, types.AcquireRequest{ResourceID: "A1", Owner: "alice:s1", TTL: time.Minute})
	require.NoError(t, err)

	require.ErrorIs(t, env.Fallback.Release(ctx, "A1", "bob:s1"), types.ErrNotOwner)
	require.NoError(t, env.Fallback.Release(ctx, "A1", "alice:s1"))
	require.NoError(t, env.Fallback.Release(ctx, "A1", "alice:s1"), "second release is a no-op")

	// an expired row held by someone else does not block a release
	_, err = env.Fallback.Acquire(ctx, types.AcquireRequest{ResourceID: "A2", Owner: "alice:s1", TTL: time.Second})
	require.NoError(t, err)
	env.Clock.Advance(time.Second)
	require.NoError(t, env.Fallback.Release(ctx, "A2", "bob:s1"))
}

func TestExtend(t *testing.T) {
	env := backendtest.New(t)
	ctx := context.Background()

	_, err := env.Fallback.Acquire(ctx, types.AcquireRequest{ResourceID: "A1", Owner: "alice:s1", TTL: 3 * time.Minute})
	require.NoError(t, err)

	res, err := env.Fallback.Extend(ctx, "A1", "alice:s1", 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, env.Clock.Now().Add(15*time.Minute).UnixMilli(), res.Lock.ExpiresAt.UnixMilli())

	_, err = env.Fallback.Extend(ctx, "A1", "bob:s1", time.Minute)
	assert.ErrorIs(t, err, types.ErrNotOwner)

	env.Clock.Advance(15 * time.Minute)
	_, err = env.Fallback.Extend(ctx, "A1", "alice:s1", time.Minute)
	assert.ErrorIs(t, err, types.ErrLockLost)
}

func TestBatchIsAllOrNothing(t *testing.T) {
	env := backendtest.New(t)
	ctx := context.Background()

	_, err := env.Fallback.Acquire(ctx, types.AcquireRequest{ResourceID: "X1", Owner: "bob:s1", TTL: time.Minute})
	require.NoError(t, err)

	_, err = env.Fallback.AcquireBatch(ctx, []string{"A1", "A2", "X1"}, "alice:s1", time.Minute)
	var bc *types.BatchConflictError
	require.ErrorAs(t, err, &bc)
	assert.Equal(t, []string{"X1"}, bc.Conflicts)

	for _, id := range []string{"A1", "A2"} {
		st, err := env.Fallback.Status(ctx, id)
		require.NoError(t, err)
		assert.False(t, st.Locked, "%s must not be left held", id)
	}

	locks, err := env.Fallback.AcquireBatch(ctx, []string{"A1", "A2"}, "alice:s1", time.Minute)
	require.NoError(t, err)
	assert.Len(t, locks, 2)
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	env := backendtest.New(t)

	const contenders = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, err := env.Fallback.Acquire(context.Background(), types.AcquireRequest{
				ResourceID: "A1",
				Owner:      fmt.Sprintf("user-%d", idx),
				TTL:        time.Minute,
			})
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, types.ErrConflict)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestPurgeExpiredAndHeld(t *testing.T) {
	env := backendtest.New(t)
	ctx := context.Background()

	_, err := env.Fallback.Acquire(ctx, types.AcquireRequest{ResourceID: "short", Owner: "alice", TTL: time.Second})
	require.NoError(t, err)
	_, err = env.Fallback.Acquire(ctx, types.AcquireRequest{ResourceID: "long", Owner: "alice", TTL: time.Hour})
	require.NoError(t, err)

	env.Clock.Advance(time.Minute)

	n, err := env.Fallback.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	held, err := env.Fallback.Held(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), held)

	existed, err := env.Fallback.ForceRelease(ctx, "long")
	require.NoError(t, err)
	assert.True(t, existed)
}

func TestCheckPrimaryRefusesKeysStillHeldThere(t *testing.T) {
	env := backendtest.New(t)
	ctx := context.Background()

	res, err := env.Primary.Acquire(ctx, types.AcquireRequest{ResourceID: "A1", Owner: "alice:s1", TTL: time.Minute})
	require.NoError(t, err)

	check := fallback.CheckPrimary(env.Store)
	_, err = env.Fallback.Acquire(ctx, types.AcquireRequest{ResourceID: "A1", Owner: "bob:s1", TTL: time.Minute}, check)
	var ce *types.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "alice:s1", ce.Owner)

	_, err = env.Fallback.AcquireBatch(ctx, []string{"A2", "A1"}, "bob:s1", time.Minute, check)
	var bc *types.BatchConflictError
	require.ErrorAs(t, err, &bc)
	assert.Equal(t, []string{"A1"}, bc.Conflicts)

	held, err := env.Fallback.Held(ctx)
	require.NoError(t, err)
	assert.Zero(t, held)

	v, err := env.Authority.Current(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, res.Lock.Version, v, "a refused grant must not bump the version")

	_, err = env.Fallback.Acquire(ctx, types.AcquireRequest{ResourceID: "A2", Owner: "bob:s1", TTL: time.Minute}, check)
	require.NoError(t, err)
}

func TestCheckPrimaryFailsWhenPrimaryUnreachable(t *testing.T) {
	env := backendtest.New(t)
	env.BreakPrimary()

	_, err := env.Fallback.Acquire(context.Background(),
		types.AcquireRequest{ResourceID: "A1", Owner: "bob:s1", TTL: time.Minute},
		fallback.CheckPrimary(env.Store))
	require.Error(t, err)
	assert.False(t, types.IsPermanent(err))
}
