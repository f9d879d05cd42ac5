package fsm

import (
	"context"
	"fmt"
	"time"

	"github.com/pixperk/seatlock/pkg/types"
)

func NewContext(resourceID, userID, sessionID string) Context {
	return Context{
		ResourceID:   resourceID,
		UserID:       userID,
		SessionID:    sessionID,
		CurrentState: Available,
	}
}

// Select starts a booking. It fails with a conflict when another owner
// already holds the resource.
func (m *Machine) Select(ctx context.Context, resourceID, userID, sessionID string) (Context, error) {
	return m.Apply(ctx, NewContext(resourceID, userID, sessionID), ActionSelect)
}

// Hold acquires the lock with the hold TTL.
func (m *Machine) Hold(ctx context.Context, c Context, effects ...Effect) (Context, error) {
	return m.Apply(ctx, c, ActionHold, effects...)
}

// Reserve extends the held lock to the reserve TTL and records paymentRef.
func (m *Machine) Reserve(ctx context.Context, c Context, paymentRef string, effects ...Effect) (Context, error) {
	if paymentRef == "" {
		return c, fmt.Errorf("%w: payment reference is required", types.ErrInvalidRequest)
	}
	in := c
	in.PaymentRef = paymentRef
	next, err := m.Apply(ctx, in, ActionReserve, effects...)
	if err != nil {
		return c, err
	}
	return next, nil
}

// Pay completes the booking and releases the lock in the same operation.
func (m *Machine) Pay(ctx context.Context, c Context, effects ...Effect) (Context, error) {
	return m.Apply(ctx, c, ActionPay, effects...)
}

func (m *Machine) Release(ctx context.Context, c Context) (Context, error) {
	return m.Apply(ctx, c, ActionRelease)
}

// Timeout ends a hold whose window ran out, releasing the lock if it is
// still live.
func (m *Machine) Timeout(ctx context.Context, c Context) (Context, error) {
	return m.Apply(ctx, c, ActionTimeout)
}

func (m *Machine) Block(ctx context.Context, c Context) (Context, error) {
	return m.Apply(ctx, c, ActionBlock)
}

func (m *Machine) Unblock(ctx context.Context, c Context) (Context, error) {
	return m.Apply(ctx, c, ActionUnblock)
}

// Reconcile re-derives a locked or reserved context from the lock backend:
// no lock means released, someone else's lock or a newer version means
// available. Other states are returned unchanged.
func (m *Machine) Reconcile(ctx context.Context, c Context) (Context, error) {
	if c.CurrentState != Locked && c.CurrentState != Reserved {
		return c, nil
	}

	st, err := m.locker.Status(ctx, c.ResourceID)
	if err != nil {
		return c, err
	}

	next := c
	switch {
	case !st.Locked:
		next.CurrentState = Released
		next.Version = 0
	case st.Owner != c.Owner() || (c.Version != 0 && st.Version != c.Version):
		next.CurrentState = Available
		clearHold(&next)
	default:
		return c, nil
	}

	next.UpdatedAt = m.clock.Now()
	m.logger.Info("reconciled stale booking", "resource", c.ResourceID, "owner", c.Owner(),
		"from", c.CurrentState, "to", next.CurrentState)
	m.announce(ctx, c.CurrentState, next)
	return next, nil
}

type Availability struct {
	CanSelect    bool          `json:"can_select"`
	Reason       string        `json:"reason,omitempty"`
	CurrentOwner string        `json:"current_owner,omitempty"`
	RetryAfter   time.Duration `json:"retry_after,omitempty"`
}

const ReasonLockedByOther = "locked_by_other"

// CanSelect reports whether owner may start a booking on resourceID.
func (m *Machine) CanSelect(ctx context.Context, resourceID, owner string) (Availability, error) {
	st, err := m.locker.Status(ctx, resourceID)
	if err != nil {
		return Availability{}, err
	}
	if st.Locked && st.Owner != owner {
		return Availability{
			Reason:       ReasonLockedByOther,
			CurrentOwner: st.Owner,
			RetryAfter:   st.RemainingTTL,
		}, nil
	}
	return Availability{CanSelect: true}, nil
}

func (m *Machine) Status(ctx context.Context, resourceID string) (types.LockStatus, error) {
	return m.locker.Status(ctx, resourceID)
}
