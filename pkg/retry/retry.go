// Package retry bounds transient backend failures with jittered, capped
// exponential backoff. Taxonomy errors from pkg/types are never retried.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pixperk/seatlock/pkg/types"
)

type Policy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// randomization factor, 0 disables jitter
	Jitter float64
	// upper bound on the whole operation including waits
	MaxElapsed time.Duration

	// called before each wait
	OnRetry func(err error, wait time.Duration)
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 25 * time.Millisecond,
		MaxInterval:     250 * time.Millisecond,
		Multiplier:      2,
		Jitter:          0.5,
		MaxElapsed:      2 * time.Second,
	}
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

// Do runs op until it succeeds, returns a permanent error, or the budget is spent.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(attempts),
	}
	if p.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsed))
	}
	if p.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(p.OnRetry))
	}

	var last error
	v, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		last = err
		if err != nil && types.IsPermanent(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)

	// the last attempt can surface the wrapper itself
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if err != nil && last != nil && !errors.Is(err, last) {
		// cancelled between attempts; keep what the last attempt saw
		err = fmt.Errorf("%w: %w", err, last)
	}
	return v, err
}

// DoErr is Do for operations without a result.
func DoErr(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
