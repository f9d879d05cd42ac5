// Package fencing owns the per-resource version counter that fences writes
// from lock holders whose grant is no longer current.
package fencing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pixperk/seatlock/pkg/storage"
	"github.com/pixperk/seatlock/pkg/types"
)

// GrantFunc runs inside the bump transaction with the freshly bumped versions.
// Returning an error rolls the bump back, so a refused grant leaves no trace.
type GrantFunc func(ctx context.Context, tx *sql.Tx, versions map[string]uint64) error

type Authority struct {
	db    *storage.DB
	clock clockwork.Clock

	bumpTimeout  time.Duration
	fenceTimeout time.Duration
}

type Option func(*Authority)

// statement deadline for the bump transaction
func WithBumpTimeout(d time.Duration) Option {
	return func(a *Authority) { a.bumpTimeout = d }
}

// lock wait for fenced writes; contention past it fails fast
func WithFenceLockTimeout(d time.Duration) Option {
	return func(a *Authority) { a.fenceTimeout = d }
}

func WithClock(c clockwork.Clock) Option {
	return func(a *Authority) { a.clock = c }
}

func NewAuthority(db *storage.DB, opts ...Option) *Authority {
	a := &Authority{
		db:           db,
		clock:        clockwork.NewRealClock(),
		bumpTimeout:  2 * time.Second,
		fenceTimeout: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Authority) DB() *storage.DB { return a.db }

// BumpVersions increments the version of every id in one transaction.
func (a *Authority) BumpVersions(ctx context.Context, resourceIDs []string) (map[string]uint64, error) {
	return a.Bump(ctx, resourceIDs, nil)
}

// Bump increments every id's version and lets grant decide, in the same
// transaction, whether the grant stands. All or nothing.
func (a *Authority) Bump(ctx context.Context, resourceIDs []string, grant GrantFunc) (map[string]uint64, error) {
	if len(resourceIDs) == 0 {
		return nil, fmt.Errorf("%w: no resource ids", types.ErrInvalidRequest)
	}

	var (
		versions map[string]uint64
		grantErr error
	)
	err := a.db.InTx(ctx, storage.TxOptions{StatementTimeout: a.bumpTimeout}, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		versions, err = a.BumpTx(ctx, tx, resourceIDs)
		if err != nil {
			return err
		}
		if grant != nil {
			grantErr = grant(ctx, tx, versions)
			return grantErr
		}
		return nil
	})
	if err != nil {
		// grant errors pass through as they are; anything else is the store's
		if grantErr == nil && !types.IsPermanent(err) {
			err = storage.Unavailable(err)
		}
		return nil, err
	}
	return versions, nil
}

// BumpTx bumps inside a caller-owned transaction.
// ids are deduplicated and locked in sorted order.
func (a *Authority) BumpTx(ctx context.Context, tx *sql.Tx, resourceIDs []string) (map[string]uint64, error) {
	ids := dedupSorted(resourceIDs)
	now := storage.ToMillis(a.clock.Now())

	insert := a.db.Rebind(`INSERT INTO resource_versions(resource_id, version, updated_at_ms)
VALUES(?, 0, ?) ON CONFLICT(resource_id) DO NOTHING`)
	update := a.db.Rebind(`UPDATE resource_versions SET version = version + 1, updated_at_ms = ?
WHERE resource_id = ? RETURNING version`)

	versions := make(map[string]uint64, len(ids))
	for _, id := range ids {
		if id == "" {
			return nil, fmt.Errorf("%w: empty resource id", types.ErrInvalidRequest)
		}
		if _, err := tx.ExecContext(ctx, insert, id, now); err != nil {
			return nil, fmt.Errorf("seed version %s: %w", id, err)
		}

		var v int64
		if err := tx.QueryRowContext(ctx, update, now, id).Scan(&v); err != nil {
			return nil, fmt.Errorf("bump version %s: %w", id, err)
		}
		versions[id] = uint64(v)
	}
	return versions, nil
}

// Current returns the version of id, zero if it was never bumped.
func (a *Authority) Current(ctx context.Context, resourceID string) (uint64, error) {
	var v int64
	err := a.db.QueryRowContext(ctx,
		a.db.Rebind(`SELECT version FROM resource_versions WHERE resource_id = ?`), resourceID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read version %s: %w", resourceID, err)
	}
	return uint64(v), nil
}

func dedupSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
