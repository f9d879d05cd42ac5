// Package fallback is the durable lock backend used while the circuit to
// the primary store is open: one row per held resource with an explicit
// expiry, pruned lazily on acquire and by the compensator.
package fallback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	"github.com/pixperk/seatlock/pkg/fencing"
	"github.com/pixperk/seatlock/pkg/storage"
	"github.com/pixperk/seatlock/pkg/types"
)

type Backend struct {
	db        *storage.DB
	authority *fencing.Authority
	clock     clockwork.Clock
	logger    hclog.Logger
}

func NewBackend(db *storage.DB, authority *fencing.Authority, clock clockwork.Clock, logger hclog.Logger) *Backend {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Backend{
		db:        db,
		authority: authority,
		clock:     clock,
		logger:    logger.Named("fallback"),
	}
}

func (b *Backend) Kind() types.BackendKind { return types.BackendFallback }

// PrimaryHolders reports the resources the primary store still holds.
type PrimaryHolders interface {
	Holders(ctx context.Context, resourceIDs []string) (map[string]types.LockValue, error)
}

type GrantOption func(*grantOptions)

type grantOptions struct {
	primary PrimaryHolders
}

// CheckPrimary makes a grant refuse any resource the primary store still
// holds. It is read after the version bump, so a primary grant racing this
// one is serialised on the same version rows.
func CheckPrimary(h PrimaryHolders) GrantOption {
	return func(o *grantOptions) { o.primary = h }
}

func newGrantOptions(opts []GrantOption) grantOptions {
	var o grantOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

const lockColumns = `resource_id, version, owner_token, nonce, acquired_at_ms, expires_at_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLock(row rowScanner) (types.Lock, error) {
	var (
		l                    types.Lock
		version              int64
		acquiredMs, expireMs int64
	)
	if err := row.Scan(&l.ResourceID, &version, &l.Owner, &l.Nonce, &acquiredMs, &expireMs); err != nil {
		return types.Lock{}, err
	}
	l.Version = uint64(version)
	l.AcquiredAt = storage.FromMillis(acquiredMs)
	l.ExpiresAt = storage.FromMillis(expireMs)
	l.Backend = types.BackendFallback
	return l, nil
}

// Acquire prunes an expired row for the resource, bumps its version and
// inserts the claim, all in one transaction. A live competitor turns into
// a *types.ConflictError and the whole transaction rolls back.
func (b *Backend) Acquire(ctx context.Context, req types.AcquireRequest, opts ...GrantOption) (types.LockResult, error) {
	if err := req.Validate(); err != nil {
		return types.LockResult{}, err
	}

	o := newGrantOptions(opts)
	var lock types.Lock
	err := b.db.InTx(ctx, storage.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		locks, err := b.acquireTx(ctx, tx, []string{req.ResourceID}, req.Owner, req.TTL, o)
		if err != nil {
			return err
		}
		lock = locks[0]
		return nil
	})
	if err != nil {
		var bc *types.BatchConflictError
		if errors.As(err, &bc) {
			return types.LockResult{}, b.conflict(ctx, req.ResourceID)
		}
		return types.LockResult{}, err
	}
	return types.LockResult{Lock: lock, Backend: types.BackendFallback}, nil
}

// AcquireBatch claims every id or none of them.
func (b *Backend) AcquireBatch(ctx context.Context, resourceIDs []string, owner string, ttl time.Duration, opts ...GrantOption) ([]types.Lock, error) {
	if owner == "" || len(resourceIDs) == 0 {
		return nil, fmt.Errorf("%w: resource ids and owner are required", types.ErrInvalidRequest)
	}
	if ttl <= 0 {
		return nil, types.ErrInvalidTTL
	}

	o := newGrantOptions(opts)
	var locks []types.Lock
	err := b.db.InTx(ctx, storage.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		locks, err = b.acquireTx(ctx, tx, resourceIDs, owner, ttl, o)
		return err
	})
	if err != nil {
		return nil, err
	}
	return locks, nil
}

func (b *Backend) acquireTx(ctx context.Context, tx *sql.Tx, resourceIDs []string, owner string, ttl time.Duration, o grantOptions) ([]types.Lock, error) {
	now := b.clock.Now()
	nowMs := storage.ToMillis(now)

	prune := b.db.Rebind(`DELETE FROM fallback_locks WHERE resource_id = ? AND expires_at_ms <= ?`)
	for _, id := range resourceIDs {
		if _, err := tx.ExecContext(ctx, prune, id, nowMs); err != nil {
			return nil, fmt.Errorf("prune expired %s: %w", id, err)
		}
	}

	versions, err := b.authority.BumpTx(ctx, tx, resourceIDs)
	if err != nil {
		return nil, err
	}

	if o.primary != nil {
		if err := b.checkPrimary(ctx, o.primary, resourceIDs); err != nil {
			return nil, err
		}
	}

	insert := b.db.Rebind(`INSERT INTO fallback_locks(` + lockColumns + `)
VALUES(?, ?, ?, ?, ?, ?) ON CONFLICT(resource_id) DO NOTHING`)

	var (
		locks     []types.Lock
		conflicts []string
	)
	for _, id := range resourceIDs {
		v, ok := versions[id]
		if !ok {
			// duplicate id, already inserted
			continue
		}
		value := types.NewLockValue(v, owner)
		res, err := tx.ExecContext(ctx, insert,
			id, int64(v), owner, value.Nonce, nowMs, storage.ToMillis(now.Add(ttl)))
		if err != nil {
			return nil, fmt.Errorf("insert lock %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			conflicts = append(conflicts, id)
			continue
		}
		delete(versions, id)

		locks = append(locks, types.Lock{
			ResourceID: id,
			Version:    v,
			Owner:      owner,
			Nonce:      value.Nonce,
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
			Backend:    types.BackendFallback,
		})
	}

	if len(conflicts) > 0 {
		return nil, &types.BatchConflictError{Conflicts: conflicts}
	}
	return locks, nil
}

func (b *Backend) checkPrimary(ctx context.Context, h PrimaryHolders, resourceIDs []string) error {
	held, err := h.Holders(ctx, resourceIDs)
	if err != nil {
		return fmt.Errorf("check primary holders: %w", err)
	}
	if len(held) == 0 {
		return nil
	}

	if len(resourceIDs) == 1 {
		v := held[resourceIDs[0]]
		return &types.ConflictError{ResourceID: resourceIDs[0], Owner: v.Owner}
	}
	var conflicts []string
	for _, id := range resourceIDs {
		if _, ok := held[id]; ok {
			conflicts = append(conflicts, id)
			delete(held, id)
		}
	}
	return &types.BatchConflictError{Conflicts: conflicts}
}

func (b *Backend) conflict(ctx context.Context, resourceID string) error {
	ce := &types.ConflictError{ResourceID: resourceID}

	st, err := b.Status(ctx, resourceID)
	if err != nil {
		b.logger.Warn("could not read competing lock", "resource", resourceID, "error", err)
		return ce
	}
	if st.Locked {
		ce.Owner = st.Owner
		ce.RetryAfter = st.RemainingTTL
	}
	return ce
}

// Release deletes the caller's row. Nothing to delete is success unless a
// live row for a different owner is still there.
func (b *Backend) Release(ctx context.Context, resourceID, owner string) error {
	res, err := b.db.ExecContext(ctx,
		b.db.Rebind(`DELETE FROM fallback_locks WHERE resource_id = ? AND owner_token = ?`),
		resourceID, owner)
	if err != nil {
		return fmt.Errorf("release %s: %w", resourceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	st, err := b.Status(ctx, resourceID)
	if err != nil {
		return err
	}
	if st.Locked && st.Owner != owner {
		return fmt.Errorf("release %s: %w", resourceID, types.ErrNotOwner)
	}
	return nil
}

func (b *Backend) Extend(ctx context.Context, resourceID, owner string, ttl time.Duration) (types.LockResult, error) {
	if ttl <= 0 {
		return types.LockResult{}, types.ErrInvalidTTL
	}

	now := b.clock.Now()
	res, err := b.db.ExecContext(ctx,
		b.db.Rebind(`UPDATE fallback_locks SET expires_at_ms = ?
WHERE resource_id = ? AND owner_token = ? AND expires_at_ms > ?`),
		storage.ToMillis(now.Add(ttl)), resourceID, owner, storage.ToMillis(now))
	if err != nil {
		return types.LockResult{}, fmt.Errorf("extend %s: %w", resourceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return types.LockResult{}, err
	}

	lock, found, err := b.live(ctx, resourceID)
	if err != nil {
		return types.LockResult{}, err
	}
	if n == 0 || !found {
		if found && lock.Owner != owner {
			return types.LockResult{}, fmt.Errorf("extend %s: %w", resourceID, types.ErrNotOwner)
		}
		return types.LockResult{}, fmt.Errorf("extend %s: %w", resourceID, types.ErrLockLost)
	}
	return types.LockResult{Lock: lock, Backend: types.BackendFallback}, nil
}

func (b *Backend) live(ctx context.Context, resourceID string) (types.Lock, bool, error) {
	row := b.db.QueryRowContext(ctx,
		b.db.Rebind(`SELECT `+lockColumns+` FROM fallback_locks WHERE resource_id = ? AND expires_at_ms > ?`),
		resourceID, storage.ToMillis(b.clock.Now()))
	lock, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Lock{}, false, nil
	}
	if err != nil {
		return types.Lock{}, false, fmt.Errorf("read lock %s: %w", resourceID, err)
	}
	return lock, true, nil
}

// Status treats an expired row as absent.
func (b *Backend) Status(ctx context.Context, resourceID string) (types.LockStatus, error) {
	st := types.LockStatus{ResourceID: resourceID, Backend: types.BackendFallback}

	lock, found, err := b.live(ctx, resourceID)
	if err != nil || !found {
		return st, err
	}

	st.Locked = true
	st.Owner = lock.Owner
	st.Version = lock.Version
	st.ExpiresAt = lock.ExpiresAt
	st.RemainingTTL = lock.ExpiresAt.Sub(b.clock.Now())
	return st, nil
}

func (b *Backend) ForceRelease(ctx context.Context, resourceID string) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		b.db.Rebind(`DELETE FROM fallback_locks WHERE resource_id = ?`), resourceID)
	if err != nil {
		return false, fmt.Errorf("force release %s: %w", resourceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LiveHoldersTx returns unexpired rows for ids, read in the caller's
// transaction. A read failure is marked as a durable store failure.
func (b *Backend) LiveHoldersTx(ctx context.Context, tx *sql.Tx, resourceIDs []string) (map[string]types.Lock, error) {
	q := b.db.Rebind(`SELECT ` + lockColumns + ` FROM fallback_locks WHERE resource_id = ? AND expires_at_ms > ?`)
	nowMs := storage.ToMillis(b.clock.Now())

	holders := make(map[string]types.Lock)
	for _, id := range resourceIDs {
		lock, err := scanLock(tx.QueryRowContext(ctx, q, id, nowMs))
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, storage.Unavailable(fmt.Errorf("check fallback holder %s: %w", id, err))
		}
		holders[id] = lock
	}
	return holders, nil
}

// PurgeExpired deletes every row past its expiry.
func (b *Backend) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := b.db.ExecContext(ctx,
		b.db.Rebind(`DELETE FROM fallback_locks WHERE expires_at_ms <= ?`),
		storage.ToMillis(b.clock.Now()))
	if err != nil {
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	return res.RowsAffected()
}

// count of unexpired rows
func (b *Backend) Held(ctx context.Context) (int64, error) {
	var n int64
	err := b.db.QueryRowContext(ctx,
		b.db.Rebind(`SELECT COUNT(*) FROM fallback_locks WHERE expires_at_ms > ?`),
		storage.ToMillis(b.clock.Now())).Scan(&n)
	return n, err
}

func (b *Backend) Probe(ctx context.Context) error {
	return b.db.PingContext(ctx)
}
