// Package fsm drives the booking lifecycle of one resource. Lock
// acquisition, extension and release happen as side effects of transitions,
// so booking state and lock state cannot drift apart.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	"github.com/pixperk/seatlock/pkg/fencing"
	"github.com/pixperk/seatlock/pkg/metrics"
	"github.com/pixperk/seatlock/pkg/notify"
	"github.com/pixperk/seatlock/pkg/types"
)

// Locker is the lock surface the machine needs. *selector.Selector implements it.
type Locker interface {
	Acquire(ctx context.Context, req types.AcquireRequest) (types.LockResult, error)
	Release(ctx context.Context, resourceID, owner string) error
	Extend(ctx context.Context, resourceID, owner string, ttl time.Duration) (types.LockResult, error)
	Status(ctx context.Context, resourceID string) (types.LockStatus, error)
}

// Context is the minimal booking record a caller carries between
// transitions. The machine never mutates the value it is given.
type Context struct {
	ResourceID   string `json:"resource_id"`
	VenueID      string `json:"venue_id,omitempty"`
	UserID       string `json:"user_id"`
	SessionID    string `json:"session_id,omitempty"`
	CurrentState State  `json:"current_state"`

	// fencing token of the current hold, zero when none
	Version        uint64            `json:"version,omitempty"`
	Backend        types.BackendKind `json:"backend,omitempty"`
	LockAcquiredAt time.Time         `json:"lock_acquired_at,omitempty"`
	LockExpiresAt  time.Time         `json:"lock_expires_at,omitempty"`
	ReservedAt     time.Time         `json:"reserved_at,omitempty"`
	PaymentRef     string            `json:"payment_ref,omitempty"`
	UpdatedAt      time.Time         `json:"updated_at,omitempty"`
}

// Owner is the token stored with the lock: user, plus session when set.
func (c Context) Owner() string {
	return OwnerToken(c.UserID, c.SessionID)
}

func OwnerToken(userID, sessionID string) string {
	if sessionID == "" {
		return userID
	}
	return userID + ":" + sessionID
}

// Effect is business work committed as part of a transition. It sees the
// context the transition would produce. An error aborts the transition.
type Effect func(ctx context.Context, next Context) error

// Fenced runs write only while next's fencing token is still current, in
// the same transaction as the version check.
func Fenced(a *fencing.Authority, write fencing.WriteFunc[struct{}]) Effect {
	return func(ctx context.Context, next Context) error {
		_, err := fencing.WithFencedWrite(ctx, a, next.ResourceID, next.Version, write)
		return err
	}
}

type Config struct {
	// lock TTL taken on hold
	HoldTTL time.Duration
	// lock TTL set on reserve, for payment capture
	ReserveTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		HoldTTL:    3 * time.Minute,
		ReserveTTL: 15 * time.Minute,
	}
}

type Option func(*Machine)

func WithClock(c clockwork.Clock) Option { return func(m *Machine) { m.clock = c } }

func WithLogger(l hclog.Logger) Option { return func(m *Machine) { m.logger = l } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Machine) { m.metrics = mt } }

func WithNotifier(n notify.Notifier) Option { return func(m *Machine) { m.notifier = n } }

func WithVenueResolver(r notify.VenueResolver) Option { return func(m *Machine) { m.venue = r } }

// Machine holds no per-booking state and is safe for concurrent use.
type Machine struct {
	locker   Locker
	cfg      Config
	notifier notify.Notifier
	venue    notify.VenueResolver
	clock    clockwork.Clock
	logger   hclog.Logger
	metrics  *metrics.Metrics
}

func New(locker Locker, cfg Config, opts ...Option) *Machine {
	d := DefaultConfig()
	if cfg.HoldTTL <= 0 {
		cfg.HoldTTL = d.HoldTTL
	}
	if cfg.ReserveTTL <= 0 {
		cfg.ReserveTTL = d.ReserveTTL
	}

	m := &Machine{
		locker:   locker,
		cfg:      cfg,
		notifier: notify.Discard,
		venue:    notify.VenueOf,
		clock:    clockwork.NewRealClock(),
		logger:   hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = metrics.New(nil)
	}
	m.logger = m.logger.Named("fsm")
	return m
}

// Apply runs action against c. On error the returned context is c unchanged.
func (m *Machine) Apply(ctx context.Context, c Context, action Action, effects ...Effect) (Context, error) {
	tr, ok := lookup(c.CurrentState, action)
	if !ok {
		return c, &types.TransitionError{From: string(c.CurrentState), Action: string(action)}
	}
	if c.ResourceID == "" || c.UserID == "" {
		return c, fmt.Errorf("%w: resource id and user id are required", types.ErrInvalidRequest)
	}

	now := m.clock.Now()
	next := c
	next.CurrentState = tr.to
	next.UpdatedAt = now
	if next.VenueID == "" {
		next.VenueID = m.venue(c.ResourceID)
	}

	var fresh bool
	if tr.requiresLock && action != ActionHold {
		if err := m.verifyOwner(ctx, c); err != nil {
			if action == ActionReserve {
				m.metrics.ObserveReservation(false)
			}
			return c, err
		}
	}

	switch action {
	case ActionSelect:
		if err := m.checkSelectable(ctx, c); err != nil {
			return c, err
		}

	case ActionHold:
		res, err := m.locker.Acquire(ctx, types.AcquireRequest{
			ResourceID: c.ResourceID,
			Owner:      c.Owner(),
			TTL:        m.cfg.HoldTTL,
		})
		if err != nil {
			return c, err
		}
		fresh = true
		next.Version = res.Lock.Version
		next.Backend = res.Backend
		next.LockAcquiredAt = res.Lock.AcquiredAt
		next.LockExpiresAt = res.Lock.ExpiresAt

	case ActionReserve:
		res, err := m.locker.Extend(ctx, c.ResourceID, c.Owner(), m.cfg.ReserveTTL)
		m.metrics.ObserveReservation(err == nil)
		if err != nil {
			return c, err
		}
		next.LockExpiresAt = res.Lock.ExpiresAt
		next.ReservedAt = now
	}

	for _, effect := range effects {
		if err := effect(ctx, next); err != nil {
			if fresh {
				m.releaseQuietly(ctx, c.ResourceID, c.Owner())
			}
			return c, err
		}
	}

	switch action {
	case ActionPay:
		m.finishPay(ctx, c, now)
		next.Version = 0

	case ActionRelease:
		if c.CurrentState == Locked || c.CurrentState == Reserved {
			if err := m.locker.Release(ctx, c.ResourceID, c.Owner()); err != nil && !errors.Is(err, types.ErrNotOwner) {
				return c, err
			}
			m.metrics.ObserveHeld("released", now.Sub(c.LockAcquiredAt))
		}
		clearHold(&next)

	case ActionTimeout:
		if err := m.endHold(ctx, c); err != nil {
			return c, err
		}
		m.metrics.ObserveHeld("timeout", now.Sub(c.LockAcquiredAt))
		next.Version = 0
	}

	m.announce(ctx, c.CurrentState, next)
	m.logger.Debug("transition", "resource", c.ResourceID, "owner", c.Owner(),
		"from", c.CurrentState, "action", action, "to", next.CurrentState)
	return next, nil
}

// verifyOwner requires the caller's token to own the lock at the version it
// was granted.
func (m *Machine) verifyOwner(ctx context.Context, c Context) error {
	st, err := m.locker.Status(ctx, c.ResourceID)
	if err != nil {
		return err
	}
	if !st.Locked {
		return fmt.Errorf("%s: %w", c.ResourceID, types.ErrLockLost)
	}
	if st.Owner != c.Owner() {
		return fmt.Errorf("%s: %w", c.ResourceID, types.ErrNotOwner)
	}
	if c.Version != 0 && st.Version != c.Version {
		return &types.StaleLockError{ResourceID: c.ResourceID, Expected: c.Version, Actual: st.Version}
	}
	return nil
}

// endHold releases c's lock if it is still live, so a booking never leaves
// locked behind it. A lock already lapsed or taken by someone else is left.
func (m *Machine) endHold(ctx context.Context, c Context) error {
	st, err := m.locker.Status(ctx, c.ResourceID)
	if err != nil {
		return err
	}
	if !st.Locked || st.Owner != c.Owner() || (c.Version != 0 && st.Version != c.Version) {
		return nil
	}

	m.logger.Debug("hold still live at timeout, releasing", "resource", c.ResourceID, "remaining", st.RemainingTTL)
	if err := m.locker.Release(ctx, c.ResourceID, c.Owner()); err != nil && !errors.Is(err, types.ErrNotOwner) {
		return err
	}
	return nil
}

func (m *Machine) checkSelectable(ctx context.Context, c Context) error {
	st, err := m.locker.Status(ctx, c.ResourceID)
	if err != nil {
		return err
	}
	if st.Locked && st.Owner != c.Owner() {
		return &types.ConflictError{ResourceID: c.ResourceID, Owner: st.Owner, RetryAfter: st.RemainingTTL}
	}
	return nil
}

// the payment is recorded; a failed release is left to TTL expiry
func (m *Machine) finishPay(ctx context.Context, c Context, now time.Time) {
	if err := m.locker.Release(ctx, c.ResourceID, c.Owner()); err != nil {
		m.logger.Warn("release after payment failed, lock left to expire",
			"resource", c.ResourceID, "error", err)
	}
	m.metrics.ObserveHeld("paid", now.Sub(c.LockAcquiredAt))
	m.metrics.ObserveLockToPayment(string(c.Backend), now.Sub(c.LockAcquiredAt))
}

func (m *Machine) releaseQuietly(ctx context.Context, resourceID, owner string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if err := m.locker.Release(ctx, resourceID, owner); err != nil {
		m.logger.Error("failed to release lock after aborted transition",
			"resource", resourceID, "owner", owner, "error", err)
	}
}

func clearHold(c *Context) {
	c.Version = 0
	c.Backend = ""
	c.LockAcquiredAt = time.Time{}
	c.LockExpiresAt = time.Time{}
	c.ReservedAt = time.Time{}
	c.PaymentRef = ""
}

// announce emits an availability event when next crosses into or out of available.
func (m *Machine) announce(ctx context.Context, from State, next Context) {
	if (from == Available) == (next.CurrentState == Available) {
		return
	}
	e := notify.Event{
		VenueID:    next.VenueID,
		ResourceID: next.ResourceID,
		From:       string(from),
		To:         string(next.CurrentState),
		At:         next.UpdatedAt,
	}
	if err := m.notifier.Notify(ctx, e); err != nil {
		m.logger.Warn("availability notification failed", "resource", next.ResourceID, "error", err)
	}
}
