package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pixperk/seatlock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts uint) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
	}
}

func TestTransientErrorsAreRetried(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), fastPolicy(3), func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("connection reset")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
}

func TestBudgetIsBounded(t *testing.T) {
	calls := 0
	reset := errors.New("connection reset")
	err := DoErr(context.Background(), fastPolicy(4), func(ctx context.Context) error {
		calls++
		return reset
	})
	require.ErrorIs(t, err, reset)
	assert.Equal(t, 4, calls)
}

func TestTaxonomyErrorsAreNotRetried(t *testing.T) {
	for _, perm := range []error{
		&types.ConflictError{ResourceID: "A1", Owner: "bob"},
		&types.StaleLockError{ResourceID: "A1", Expected: 1, Actual: 2},
		types.ErrNotOwner,
		&types.BatchConflictError{Conflicts: []string{"A1"}},
	} {
		calls := 0
		err := DoErr(context.Background(), fastPolicy(5), func(ctx context.Context) error {
			calls++
			return perm
		})
		assert.ErrorIs(t, err, perm)
		assert.Equal(t, 1, calls, "%v must not be retried", perm)
	}
}

func TestOnRetryIsNotified(t *testing.T) {
	p := fastPolicy(3)
	var waits int
	p.OnRetry = func(err error, d time.Duration) { waits++ }

	_ = DoErr(context.Background(), p, func(ctx context.Context) error {
		return errors.New("timeout")
	})
	assert.Equal(t, 2, waits)
}

func TestZeroAttemptsMeansOne(t *testing.T) {
	calls := 0
	_ = DoErr(context.Background(), Policy{}, func(ctx context.Context) error {
		calls++
		return errors.New("nope")
	})
	assert.Equal(t, 1, calls)
}

func TestCancelledWaitKeepsLastError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cause := errors.New("begin tx: database is locked")
	p := fastPolicy(3)
	p.OnRetry = func(error, time.Duration) { cancel() }

	_, err := Do(ctx, p, func(context.Context) (int, error) { return 0, cause })
	require.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, cause)
}
