package primary

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	"github.com/pixperk/seatlock/pkg/fencing"
	"github.com/pixperk/seatlock/pkg/types"
)

// LiveChecker reports resources held elsewhere, read inside the grant
// transaction. The fallback table implements it so a recovered primary
// cannot grant over a hold taken while the circuit was open.
type LiveChecker interface {
	LiveHoldersTx(ctx context.Context, tx *sql.Tx, resourceIDs []string) (map[string]types.Lock, error)
}

type Backend struct {
	store     *Store
	authority *fencing.Authority
	live      LiveChecker
	clock     clockwork.Clock
	logger    hclog.Logger
}

func NewBackend(store *Store, authority *fencing.Authority, live LiveChecker, clock clockwork.Clock, logger hclog.Logger) *Backend {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Backend{
		store:     store,
		authority: authority,
		live:      live,
		clock:     clock,
		logger:    logger.Named("primary"),
	}
}

func (b *Backend) Kind() types.BackendKind { return types.BackendPrimary }

func (b *Backend) Store() *Store { return b.store }

// Acquire bumps the resource version and sets the key in one grant
// transaction. A lost race rolls the bump back.
func (b *Backend) Acquire(ctx context.Context, req types.AcquireRequest) (types.LockResult, error) {
	if err := req.Validate(); err != nil {
		return types.LockResult{}, err
	}

	key := b.store.Key(req.ResourceID)
	var (
		value types.LockValue
		lock  types.Lock
		set   bool
	)

	_, err := b.authority.Bump(ctx, []string{req.ResourceID}, func(ctx context.Context, tx *sql.Tx, versions map[string]uint64) error {
		if b.live != nil {
			holders, err := b.live.LiveHoldersTx(ctx, tx, []string{req.ResourceID})
			if err != nil {
				return err
			}
			if h, held := holders[req.ResourceID]; held {
				return &types.ConflictError{
					ResourceID: req.ResourceID,
					Owner:      h.Owner,
					RetryAfter: h.ExpiresAt.Sub(b.clock.Now()),
				}
			}
		}

		value = types.NewLockValue(versions[req.ResourceID], req.Owner)
		now := b.clock.Now()

		ok, err := b.store.TrySet(ctx, key, value, req.TTL)
		if err != nil {
			return err
		}
		if !ok {
			return b.conflict(ctx, req.ResourceID)
		}

		set = true
		lock = types.Lock{
			ResourceID: req.ResourceID,
			Version:    value.Version,
			Owner:      req.Owner,
			Nonce:      value.Nonce,
			AcquiredAt: now,
			ExpiresAt:  now.Add(req.TTL),
			Backend:    types.BackendPrimary,
		}
		return nil
	})
	if err != nil {
		if set {
			// the bump did not commit; the key must not outlive it
			b.undo(ctx, key, value)
		}
		return types.LockResult{}, err
	}

	return types.LockResult{Lock: lock, Backend: types.BackendPrimary}, nil
}

func (b *Backend) undo(ctx context.Context, key string, value types.LockValue) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if _, err := b.store.CompareAndDelete(cleanupCtx, key, value); err != nil {
		b.logger.Error("failed to undo set after aborted grant", "key", key, "error", err)
	}
}

func (b *Backend) conflict(ctx context.Context, resourceID string) error {
	cur, ttl, err := b.store.GetWithTTL(ctx, b.store.Key(resourceID))
	if err != nil {
		return err
	}

	ce := &types.ConflictError{ResourceID: resourceID}
	if cur != nil {
		ce.Owner = cur.Owner
		if ttl > 0 {
			ce.RetryAfter = ttl
		}
	}
	return ce
}

// Release is owner-checked. A lock that is already gone counts as released.
func (b *Backend) Release(ctx context.Context, resourceID, owner string) error {
	outcome, err := b.store.releaseOwned(ctx, b.store.Key(resourceID), owner)
	if err != nil {
		return err
	}
	if outcome == outcomeOtherOwner {
		return fmt.Errorf("release %s: %w", resourceID, types.ErrNotOwner)
	}
	return nil
}

// Extend moves the expiry of an owned lock to now+ttl.
func (b *Backend) Extend(ctx context.Context, resourceID, owner string, ttl time.Duration) (types.LockResult, error) {
	if ttl <= 0 {
		return types.LockResult{}, types.ErrInvalidTTL
	}

	key := b.store.Key(resourceID)
	now := b.clock.Now()

	outcome, err := b.store.extendOwned(ctx, key, owner, ttl)
	if err != nil {
		return types.LockResult{}, err
	}
	switch outcome {
	case outcomeAbsent:
		return types.LockResult{}, fmt.Errorf("extend %s: %w", resourceID, types.ErrLockLost)
	case outcomeOtherOwner:
		return types.LockResult{}, fmt.Errorf("extend %s: %w", resourceID, types.ErrNotOwner)
	}

	cur, err := b.store.Get(ctx, key)
	if err != nil {
		return types.LockResult{}, err
	}
	if cur == nil {
		return types.LockResult{}, fmt.Errorf("extend %s: %w", resourceID, types.ErrLockLost)
	}

	return types.LockResult{
		Lock: types.Lock{
			ResourceID: resourceID,
			Version:    cur.Version,
			Owner:      cur.Owner,
			Nonce:      cur.Nonce,
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
			Backend:    types.BackendPrimary,
		},
		Backend: types.BackendPrimary,
	}, nil
}

func (b *Backend) Status(ctx context.Context, resourceID string) (types.LockStatus, error) {
	st := types.LockStatus{ResourceID: resourceID, Backend: types.BackendPrimary}

	cur, ttl, err := b.store.GetWithTTL(ctx, b.store.Key(resourceID))
	if err != nil {
		return st, err
	}
	if cur == nil {
		return st, nil
	}

	st.Locked = true
	st.Owner = cur.Owner
	st.Version = cur.Version
	if ttl > 0 {
		st.RemainingTTL = ttl
		st.ExpiresAt = b.clock.Now().Add(ttl)
	}
	return st, nil
}

// ForceRelease deletes the key whoever owns it. Reports whether a key existed.
func (b *Backend) ForceRelease(ctx context.Context, resourceID string) (bool, error) {
	return b.store.Delete(ctx, b.store.Key(resourceID))
}

// Probe does a real acquire+release round trip on a throwaway key.
func (b *Backend) Probe(ctx context.Context) error {
	key := b.store.Key("__probe__:" + uuid.NewString())
	value := types.NewLockValue(1, "probe")

	ok, err := b.store.TrySet(ctx, key, value, 5*time.Second)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("probe key unexpectedly present")
	}

	deleted, err := b.store.CompareAndDelete(ctx, key, value)
	if err != nil {
		return err
	}
	if !deleted {
		return errors.New("probe key vanished before release")
	}
	return nil
}
