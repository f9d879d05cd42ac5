package primary_test

import (
	"context"
	"testing"
	"time"

	"github.com/pixperk/seatlock/pkg/backend/backendtest"
	"github.com/pixperk/seatlock/pkg/backend/primary"
	"github.com/pixperk/seatlock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareAndDeleteGuardsOtherOwners(t *testing.T) {
	env := backendtest.New(t)
	ctx := context.Background()
	key := env.Store.Key("A1")

	mine := types.NewLockValue(1, "alice")
	ok, err := env.Store.TrySet(ctx, key, mine, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// same owner, same version, different acquisition
	replay := mine
	replay.Nonce = types.NewLockValue(1, "alice").Nonce
	deleted, err := env.Store.CompareAndDelete(ctx, key, replay)
	require.NoError(t, err)
	assert.False(t, deleted, "nonce must distinguish acquisitions")

	deleted, err = env.Store.CompareAndDelete(ctx, key, mine)
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestTrySetMany(t *testing.T) {
	env := backendtest.New(t)
	ctx := context.Background()

	ok, err := env.Store.TrySet(ctx, env.Store.Key("B"), types.NewLockValue(1, "bob"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	entries := []primary.Entry{
		{Key: env.Store.Key("A"), Value: types.NewLockValue(1, "alice"), TTL: time.Minute},
		{Key: env.Store.Key("B"), Value: types.NewLockValue(2, "alice"), TTL: time.Minute},
	}
	outcomes, err := env.Store.TrySetMany(ctx, entries)
	require.NoError(t, err)
	assert.Equal(t, []primary.SetOutcome{primary.SetApplied, primary.SetHeld}, outcomes)
}

func TestCompareAndDeleteManyRejectsMismatch(t *testing.T) {
	env := backendtest.New(t)
	ctx := context.Background()

	v := types.NewLockValue(1, "alice")
	ok, err := env.Store.TrySet(ctx, env.Store.Key("A"), v, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = env.Store.CompareAndDeleteMany(ctx, []string{env.Store.Key("A"), env.Store.Key("B")}, []string{v.String()})
	require.ErrorIs(t, err, types.ErrRollbackMismatch)
	assert.True(t, env.Redis.Exists(env.Store.Key("A")), "mismatch must abort, not delete partially")

	n, err := env.Store.CompareAndDeleteMany(ctx,
		[]string{env.Store.Key("A"), env.Store.Key("B")},
		[]string{v.String(), types.NewLockValue(1, "alice").String()})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDeleteIfLapsed(t *testing.T) {
	env := backendtest.New(t)
	ctx := context.Background()

	require.NoError(t, env.Redis.Set(env.Store.Key("orphan"), types.NewLockValue(1, "ghost").String()))
	ok, err := env.Store.TrySet(ctx, env.Store.Key("live"), types.NewLockValue(1, "alice"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	deleted, err := env.Store.DeleteIfLapsed(ctx, env.Store.Key("orphan"))
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = env.Store.DeleteIfLapsed(ctx, env.Store.Key("live"))
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestScanAndTTLs(t *testing.T) {
	env := backendtest.New(t)
	ctx := context.Background()

	_, err := env.Store.TrySet(ctx, env.Store.Key("A"), types.NewLockValue(1, "alice"), time.Minute)
	require.NoError(t, err)
	require.NoError(t, env.Redis.Set("unrelated", "x"))

	keys, next, err := env.Store.ScanPage(ctx, 0, 100)
	require.NoError(t, err)
	assert.Zero(t, next)
	assert.Equal(t, []string{env.Store.Key("A")}, keys)
	assert.Equal(t, "A", env.Store.ResourceID(keys[0]))

	ttls, err := env.Store.TTLs(ctx, keys)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttls[0])
}

func TestHolders(t *testing.T) {
	env := backendtest.New(t)
	ctx := context.Background()

	v := types.NewLockValue(3, "alice:s1")
	ok, err := env.Store.TrySet(ctx, env.Store.Key("A1"), v, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	held, err := env.Store.Holders(ctx, []string{"A1", "A2"})
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, v, held["A1"])

	env.BreakPrimary()
	_, err = env.Store.Holders(ctx, []string{"A1"})
	assert.Error(t, err)
}
