package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pixperk/seatlock/pkg/backend/backendtest"
	"github.com/pixperk/seatlock/pkg/metrics"
	"github.com/pixperk/seatlock/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAcquirer(t *testing.T) (*Acquirer, *backendtest.Env, *metrics.Metrics) {
	t.Helper()
	env := backendtest.New(t)
	m := metrics.New(nil)
	return NewAcquirer(env.Authority, env.Store, env.Fallback, env.Clock, env.Logger, m), env, m
}

func TestAcquireBatchSuccess(t *testing.T) {
	a, env, m := newAcquirer(t)

	locks, err := a.Acquire(context.Background(), []string{"A1", "A2", "A3", "A2"}, "alice:s1", time.Minute)
	require.NoError(t, err)
	require.Len(t, locks, 3)

	for i, id := range []string{"A1", "A2", "A3"} {
		assert.Equal(t, id, locks[i].ResourceID)
		assert.Equal(t, uint64(1), locks[i].Version)
		assert.Equal(t, time.Minute, locks[i].ExpiresAt.Sub(locks[i].AcquiredAt))

		raw, err := env.Redis.Get(env.Store.Key(id))
		require.NoError(t, err)
		assert.Equal(t, locks[i].Value().String(), raw)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchTotal.WithLabelValues(metrics.ResultSuccess)))
}

func TestBatchConflictRollsBackOwnKeysOnly(t *testing.T) {
	a, env, _ := newAcquirer(t)
	ctx := context.Background()

	held, err := env.Primary.Acquire(ctx, types.AcquireRequest{ResourceID: "X1", Owner: "bob:s1", TTL: time.Minute})
	require.NoError(t, err)

	_, err = a.Acquire(ctx, []string{"A1", "X1", "A2"}, "alice:s1", time.Minute)
	var bc *types.BatchConflictError
	require.ErrorAs(t, err, &bc)
	assert.Equal(t, []string{"X1"}, bc.Conflicts)

	assert.False(t, env.Redis.Exists(env.Store.Key("A1")))
	assert.False(t, env.Redis.Exists(env.Store.Key("A2")))

	raw, err := env.Redis.Get(env.Store.Key("X1"))
	require.NoError(t, err)
	assert.Equal(t, held.Lock.Value().String(), raw, "the other owner's key is untouched")

	v, err := env.Authority.Current(ctx, "A1")
	require.NoError(t, err)
	assert.Zero(t, v, "failed batch leaves no version bump")
}

func TestOverlappingBatchesAtMostOneWins(t *testing.T) {
	a, env, _ := newAcquirer(t)

	batches := map[string][]string{
		"alice:s1": {"A1", "A2", "A3", "X1", "X2"},
		"bob:s1":   {"B1", "B2", "B3", "X1", "X2"},
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins = map[string]bool{}
	)
	for owner, ids := range batches {
		wg.Add(1)
		go func(owner string, ids []string) {
			defer wg.Done()
			_, err := a.Acquire(context.Background(), ids, owner, time.Minute)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins[owner] = true
				return
			}
			assert.ErrorIs(t, err, types.ErrBatchConflict)
		}(owner, ids)
	}
	wg.Wait()

	require.LessOrEqual(t, len(wins), 1)

	for owner, ids := range batches {
		if wins[owner] {
			continue
		}
		for _, id := range ids {
			raw, err := env.Redis.Get(env.Store.Key(id))
			if err != nil {
				continue
			}
			v, perr := types.ParseLockValue(raw)
			require.NoError(t, perr)
			assert.NotEqual(t, owner, v.Owner, "loser %s left residual key %s", owner, id)
		}
	}
}

func TestBatchBlockedByFallbackHolder(t *testing.T) {
	a, env, _ := newAcquirer(t)
	ctx := context.Background()

	_, err := env.Fallback.Acquire(ctx, types.AcquireRequest{ResourceID: "X1", Owner: "bob:s1", TTL: time.Minute})
	require.NoError(t, err)

	_, err = a.Acquire(ctx, []string{"A1", "X1"}, "alice:s1", time.Minute)
	require.ErrorIs(t, err, types.ErrBatchConflict)
	assert.Empty(t, env.Redis.Keys())
}

func TestBatchPrimaryDownIsTransient(t *testing.T) {
	a, env, _ := newAcquirer(t)

	env.BreakPrimary()
	_, err := a.Acquire(context.Background(), []string{"A1", "A2"}, "alice:s1", time.Minute)
	require.Error(t, err)
	assert.False(t, types.IsPermanent(err))

	env.HealPrimary()
	assert.Empty(t, env.Redis.Keys())
}

func TestBatchValidation(t *testing.T) {
	a, _, _ := newAcquirer(t)
	ctx := context.Background()

	_, err := a.Acquire(ctx, nil, "alice", time.Minute)
	assert.ErrorIs(t, err, types.ErrInvalidRequest)

	_, err = a.Acquire(ctx, []string{"A1"}, "", time.Minute)
	assert.ErrorIs(t, err, types.ErrInvalidRequest)

	_, err = a.Acquire(ctx, []string{"A1"}, "alice", 0)
	assert.ErrorIs(t, err, types.ErrInvalidTTL)
}
