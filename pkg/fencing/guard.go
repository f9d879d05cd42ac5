package fencing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pixperk/seatlock/pkg/storage"
	"github.com/pixperk/seatlock/pkg/types"
)

// WriteFunc is the business effect committed together with the version check.
type WriteFunc[T any] func(ctx context.Context, tx *sql.Tx) (T, error)

// WithFencedWrite locks the version row of resourceID, requires it to equal
// expectedVersion, and runs write in the same transaction. A missing row or a
// moved version fails with a *types.StaleLockError.
func WithFencedWrite[T any](ctx context.Context, a *Authority, resourceID string, expectedVersion uint64, write WriteFunc[T]) (T, error) {
	var result T

	opts := storage.TxOptions{
		LockTimeout:      a.fenceTimeout,
		StatementTimeout: a.bumpTimeout,
	}
	err := a.db.InTx(ctx, opts, func(ctx context.Context, tx *sql.Tx) error {
		var current int64
		err := tx.QueryRowContext(ctx,
			a.db.Rebind(`SELECT version FROM resource_versions WHERE resource_id = ?`)+a.db.ForUpdate(),
			resourceID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return &types.StaleLockError{ResourceID: resourceID, Expected: expectedVersion}
		}
		if err != nil {
			return fmt.Errorf("lock version row %s: %w", resourceID, err)
		}

		if uint64(current) != expectedVersion {
			return &types.StaleLockError{
				ResourceID: resourceID,
				Expected:   expectedVersion,
				Actual:     uint64(current),
			}
		}

		result, err = write(ctx, tx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
