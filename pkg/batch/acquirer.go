// Package batch acquires several resources for one owner on the primary
// store, all or nothing.
package batch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	"github.com/pixperk/seatlock/pkg/backend/primary"
	"github.com/pixperk/seatlock/pkg/fencing"
	"github.com/pixperk/seatlock/pkg/metrics"
	"github.com/pixperk/seatlock/pkg/types"
)

// budget for a rollback that must run even when the caller gave up
const rollbackTimeout = 2 * time.Second

type Acquirer struct {
	authority *fencing.Authority
	store     *primary.Store
	live      primary.LiveChecker
	clock     clockwork.Clock
	logger    hclog.Logger
	metrics   *metrics.Metrics
}

func NewAcquirer(authority *fencing.Authority, store *primary.Store, live primary.LiveChecker, clock clockwork.Clock, logger hclog.Logger, m *metrics.Metrics) *Acquirer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Acquirer{
		authority: authority,
		store:     store,
		live:      live,
		clock:     clock,
		logger:    logger.Named("batch"),
		metrics:   m,
	}
}

// Acquire bumps every version in one transaction, pipelines a set-if-absent
// per resource, and on any miss deletes only the keys this call set. The
// bump commits only when every set landed.
func (a *Acquirer) Acquire(ctx context.Context, resourceIDs []string, owner string, ttl time.Duration) ([]types.Lock, error) {
	ids := dedup(resourceIDs)
	if owner == "" || len(ids) == 0 {
		return nil, fmt.Errorf("%w: resource ids and owner are required", types.ErrInvalidRequest)
	}
	if ttl <= 0 {
		return nil, types.ErrInvalidTTL
	}

	var (
		locks   []types.Lock
		entries []primary.Entry
		granted bool
	)

	_, err := a.authority.Bump(ctx, ids, func(ctx context.Context, tx *sql.Tx, versions map[string]uint64) error {
		if a.live != nil {
			holders, err := a.live.LiveHoldersTx(ctx, tx, ids)
			if err != nil {
				return err
			}
			if len(holders) > 0 {
				conflicts := make([]string, 0, len(holders))
				for _, id := range ids {
					if _, held := holders[id]; held {
						conflicts = append(conflicts, id)
					}
				}
				return &types.BatchConflictError{Conflicts: conflicts}
			}
		}

		now := a.clock.Now()
		entries = make([]primary.Entry, len(ids))
		for i, id := range ids {
			entries[i] = primary.Entry{
				Key:   a.store.Key(id),
				Value: types.NewLockValue(versions[id], owner),
				TTL:   ttl,
			}
		}

		outcomes, setErr := a.store.TrySetMany(ctx, entries)
		if outcomes == nil {
			return setErr
		}

		var (
			conflicts []string
			undo      []primary.Entry
		)
		for i, o := range outcomes {
			switch o {
			case primary.SetHeld:
				conflicts = append(conflicts, ids[i])
			case primary.SetApplied, primary.SetUnknown:
				// unknown may have landed; compare-and-delete is safe either way
				undo = append(undo, entries[i])
			}
		}

		if setErr == nil && len(conflicts) == 0 {
			granted = true
			locks = make([]types.Lock, len(ids))
			for i, e := range entries {
				locks[i] = types.Lock{
					ResourceID: ids[i],
					Version:    e.Value.Version,
					Owner:      owner,
					Nonce:      e.Value.Nonce,
					AcquiredAt: now,
					ExpiresAt:  now.Add(ttl),
					Backend:    types.BackendPrimary,
				}
			}
			return nil
		}

		if err := a.rollback(ctx, undo); errors.Is(err, types.ErrRollbackMismatch) {
			return err
		}
		if len(conflicts) > 0 {
			return &types.BatchConflictError{Conflicts: conflicts}
		}
		return setErr
	})
	if err != nil {
		if granted {
			// every key landed but the bump did not commit
			_ = a.rollback(ctx, entries)
		}
		a.observe(err)
		return nil, err
	}

	a.metrics.ObserveBatch(metrics.ResultSuccess)
	return locks, nil
}

func (a *Acquirer) observe(err error) {
	switch {
	case errors.Is(err, types.ErrBatchConflict):
		a.metrics.ObserveBatch(metrics.ResultConflict)
	default:
		a.metrics.ObserveBatch(metrics.ResultError)
	}
}

// rollback deletes each entry's key only if it still holds this call's value.
// A failure is left to TTL expiry and the compensator.
func (a *Acquirer) rollback(ctx context.Context, entries []primary.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	keys := make([]string, len(entries))
	values := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
		values[i] = e.Value.String()
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	deleted, err := a.store.CompareAndDeleteMany(rctx, keys, values)
	if err != nil {
		kind := metrics.ResultError
		if errors.Is(err, types.ErrRollbackMismatch) {
			kind = "mismatch"
		}
		a.metrics.ObserveRollbackFailure(kind)
		a.logger.Error("critical: batch rollback failed, keys left to ttl expiry",
			"keys", keys, "error", err)
		return err
	}

	a.logger.Debug("rolled back partial batch", "candidates", len(keys), "deleted", deleted)
	return nil
}

// keeps first-seen order
func dedup(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
