package selector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	"github.com/pixperk/seatlock/pkg/metrics"
)

type BreakerConfig struct {
	// consecutive failed calls that open the circuit
	FailureThreshold int
	// minimum time open before a probe may move to half open
	Cooldown time.Duration
	// trial calls allowed on the primary at once while half open
	HalfOpenMaxCalls int
	// consecutive trial successes that close the circuit
	HalfOpenSuccesses int

	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	// a probe slower than this counts toward SlowProbeLimit
	SlowProbeThreshold time.Duration
	SlowProbeLimit     int
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:   5,
		Cooldown:           30 * time.Second,
		HalfOpenMaxCalls:   3,
		HalfOpenSuccesses:  3,
		ProbeInterval:      5 * time.Second,
		ProbeTimeout:       time.Second,
		SlowProbeThreshold: 250 * time.Millisecond,
		SlowProbeLimit:     3,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = d.HalfOpenSuccesses
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = d.ProbeInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.SlowProbeThreshold <= 0 {
		c.SlowProbeThreshold = d.SlowProbeThreshold
	}
	if c.SlowProbeLimit <= 0 {
		c.SlowProbeLimit = d.SlowProbeLimit
	}
	return c
}

// where a call goes
type route int

const (
	routePrimary route = iota
	// counted half-open call on the primary
	routeTrial
	routeFallback
	// half open with every trial slot taken; the primary may still grant
	routeOverflow
)

// attempts to write one event before giving up on a busy row
const maxSaveAttempts = 3

type breaker struct {
	cfg     BreakerConfig
	store   *StateStore
	clock   clockwork.Clock
	logger  hclog.Logger
	metrics *metrics.Metrics

	// serialises events that write the shared row
	saveMu sync.Mutex

	mu          sync.Mutex
	state       State
	inflight    int // trial calls on the primary, process local
	refreshedAt time.Time
}

// mutation changes state under mu and reports whether the change must be
// written to the shared row.
type mutation func(now time.Time) bool

func newBreaker(cfg BreakerConfig, store *StateStore, clock clockwork.Clock, logger hclog.Logger, m *metrics.Metrics) *breaker {
	return &breaker{
		cfg:     cfg.withDefaults(),
		store:   store,
		clock:   clock,
		logger:  logger,
		metrics: m,
		state:   State{Phase: Closed},
	}
}

// load adopts the persisted phase, or writes an initial closed state.
func (b *breaker) load(ctx context.Context) error {
	st, ok, err := b.store.Load(ctx)
	if err != nil {
		return err
	}
	now := b.clock.Now()

	if !ok {
		st = State{Phase: Closed, UpdatedAt: now}
		saved, err := b.store.Save(ctx, st)
		if err != nil {
			return err
		}
		if saved {
			st.Revision++
		} else {
			// another instance created the row first
			if st, _, err = b.store.Load(ctx); err != nil {
				return err
			}
		}
	}

	b.mu.Lock()
	b.state = st
	b.refreshedAt = now
	b.mu.Unlock()

	b.metrics.SetCircuitPhase("", string(st.Phase), now)
	return nil
}

// refresh re-reads the shared state once per probe interval so instances
// agree on the live backend.
func (b *breaker) refresh(ctx context.Context) {
	now := b.clock.Now()
	b.mu.Lock()
	due := now.Sub(b.refreshedAt) >= b.cfg.ProbeInterval
	if due {
		b.refreshedAt = now
	}
	b.mu.Unlock()
	if !due {
		return
	}

	st, ok, err := b.store.Load(ctx)
	if err != nil {
		b.logger.Warn("failed to refresh circuit state, keeping local view", "error", err)
		return
	}
	if !ok {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if st.Revision > b.state.Revision {
		b.adoptLocked(st, now)
	}
}

// caller holds mu
func (b *breaker) adoptLocked(st State, now time.Time) {
	from := b.state.Phase
	b.state = st
	if from != st.Phase {
		b.inflight = 0
		b.logger.Warn("circuit mode switch", "from", from, "to", st.Phase, "reason", "adopted from shared state: "+st.Reason)
		b.metrics.SetCircuitPhase(string(from), string(st.Phase), now)
	}
}

func (b *breaker) snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breaker) phase() Phase {
	return b.snapshot().Phase
}

func (b *breaker) allow() route {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state.Phase {
	case Closed:
		return routePrimary
	case HalfOpen:
		if b.inflight < b.cfg.HalfOpenMaxCalls {
			b.inflight++
			return routeTrial
		}
		return routeOverflow
	}
	return routeFallback
}

// release gives back a trial slot without counting the call either way.
func (b *breaker) release(r route) {
	if r != routeTrial {
		return
	}
	b.mu.Lock()
	if b.inflight > 0 {
		b.inflight--
	}
	b.mu.Unlock()
}

// success records a primary call that reached a decision.
func (b *breaker) success(ctx context.Context, r route) {
	b.release(r)

	if r == routePrimary {
		b.mu.Lock()
		quiet := b.state.ConsecutiveFailures == 0
		if quiet {
			b.state.LastSuccessAt = b.clock.Now()
		}
		b.mu.Unlock()
		if quiet {
			return
		}
	}

	b.apply(ctx, func(now time.Time) bool {
		b.state.LastSuccessAt = now
		switch {
		case r == routeTrial:
			if b.state.Phase != HalfOpen {
				return false
			}
			b.state.TrialSuccesses++
			if b.state.TrialSuccesses >= b.cfg.HalfOpenSuccesses {
				b.transitionLocked(Closed, "trial calls succeeded", now)
			}
			return true
		case b.state.ConsecutiveFailures > 0:
			b.state.ConsecutiveFailures = 0
			return true
		}
		return false
	})
}

func (b *breaker) failure(ctx context.Context, r route, cause error) {
	b.release(r)

	b.apply(ctx, func(now time.Time) bool {
		b.state.LastFailureAt = now
		switch b.state.Phase {
		case Closed:
			b.state.ConsecutiveFailures++
			if b.state.ConsecutiveFailures >= b.cfg.FailureThreshold {
				b.transitionLocked(Open, fmt.Sprintf("%d consecutive failures: %v", b.state.ConsecutiveFailures, cause), now)
			}
			return true
		case HalfOpen:
			if r == routeTrial {
				b.transitionLocked(Open, fmt.Sprintf("trial call failed: %v", cause), now)
				return true
			}
		}
		return false
	})
}

// observeProbe feeds one health probe result into the breaker.
func (b *breaker) observeProbe(ctx context.Context, latency time.Duration, probeErr error) {
	slow := probeErr == nil && latency > b.cfg.SlowProbeThreshold

	b.apply(ctx, func(now time.Time) bool {
		before := b.state

		switch {
		case probeErr != nil:
			b.state.LastFailureAt = now
			switch b.state.Phase {
			case Closed:
				b.state.ConsecutiveFailures++
				if b.state.ConsecutiveFailures >= b.cfg.FailureThreshold {
					b.transitionLocked(Open, fmt.Sprintf("probe failed: %v", probeErr), now)
				}
			case HalfOpen:
				b.transitionLocked(Open, fmt.Sprintf("probe failed while half open: %v", probeErr), now)
			}

		case slow:
			b.state.SlowProbes++
			if b.state.Phase != Open && b.state.SlowProbes >= b.cfg.SlowProbeLimit {
				b.transitionLocked(Open, fmt.Sprintf("%d consecutive slow probes, last %s", b.state.SlowProbes, latency), now)
			}

		default:
			b.state.SlowProbes = 0
			b.state.LastSuccessAt = now
			if b.state.Phase == Open && now.Sub(b.state.OpenedAt) >= b.cfg.Cooldown {
				b.transitionLocked(HalfOpen, "probe succeeded after cooldown", now)
			}
		}

		return b.state.Phase != before.Phase ||
			b.state.ConsecutiveFailures != before.ConsecutiveFailures ||
			b.state.SlowProbes != before.SlowProbes
	})
}

// apply runs fn on the local state and writes the result to the shared row
// with a compare-and-set. When another instance wrote first, its state is
// adopted and fn runs again on top of it, so an event recorded against a
// stale view never overwrites a newer phase.
func (b *breaker) apply(ctx context.Context, fn mutation) {
	b.saveMu.Lock()
	defer b.saveMu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()

	now := b.clock.Now()
	b.mu.Lock()
	st, dirty := b.stageLocked(fn, now)
	b.mu.Unlock()

	for attempt := 1; dirty; attempt++ {
		saved, err := b.store.Save(ctx, st)
		if err != nil {
			b.logger.Warn("failed to persist circuit state", "phase", st.Phase, "error", err)
			return
		}
		if saved {
			b.mu.Lock()
			if b.state.Revision == st.Revision {
				b.state.Revision++
			}
			b.mu.Unlock()
			return
		}
		if attempt == maxSaveAttempts {
			b.logger.Warn("circuit state kept changing underneath, event not persisted", "phase", st.Phase)
			return
		}

		stored, found, err := b.store.Load(ctx)
		if err != nil {
			b.logger.Warn("failed to reload circuit state after a concurrent write", "error", err)
			return
		}
		b.mu.Lock()
		if found {
			b.adoptLocked(stored, now)
		}
		st, dirty = b.stageLocked(fn, now)
		b.mu.Unlock()
	}
}

// caller holds mu
func (b *breaker) stageLocked(fn mutation, now time.Time) (State, bool) {
	if !fn(now) {
		return State{}, false
	}
	b.state.UpdatedAt = now
	return b.state, true
}

// caller holds mu
func (b *breaker) transitionLocked(to Phase, reason string, now time.Time) {
	from := b.state.Phase
	if from == to {
		return
	}

	b.state.Phase = to
	b.state.Reason = reason
	b.state.TrialSuccesses = 0
	b.inflight = 0
	switch to {
	case Open:
		b.state.OpenedAt = now
		b.state.SlowProbes = 0
	case Closed:
		b.state.ConsecutiveFailures = 0
		b.state.SlowProbes = 0
		b.state.OpenedAt = time.Time{}
	}

	b.logger.Warn("circuit mode switch", "from", from, "to", to, "reason", reason)
	b.metrics.SetCircuitPhase(string(from), string(to), now)
}
