// Package selector routes lock traffic to the primary or the fallback
// backend behind a persisted circuit breaker. Callers only ever see a
// result or a taxonomy error; phase changes are logged and metered.
package selector

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	"github.com/pixperk/seatlock/pkg/backend/fallback"
	"github.com/pixperk/seatlock/pkg/backend/primary"
	"github.com/pixperk/seatlock/pkg/batch"
	"github.com/pixperk/seatlock/pkg/fencing"
	"github.com/pixperk/seatlock/pkg/metrics"
	"github.com/pixperk/seatlock/pkg/retry"
	"github.com/pixperk/seatlock/pkg/storage"
	"github.com/pixperk/seatlock/pkg/types"
)

type Config struct {
	Breaker BreakerConfig
	Retry   retry.Policy
	// longest TTL an acquire or extend may ask for
	MaxTTL time.Duration
	// required by ForceRelease; empty disables it
	AdminToken string
	// circuit_state row name, shared by every instance fronting the same primary
	CircuitName string
}

type Option func(*Selector)

func WithClock(c clockwork.Clock) Option {
	return func(s *Selector) { s.clock = c }
}

func WithLogger(l hclog.Logger) Option {
	return func(s *Selector) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Selector) { s.metrics = m }
}

type Selector struct {
	primary   *primary.Backend
	fallback  *fallback.Backend
	batch     *batch.Acquirer
	authority *fencing.Authority
	breaker   *breaker

	retry      retry.Policy
	maxTTL     time.Duration
	adminToken string

	clock   clockwork.Clock
	logger  hclog.Logger
	metrics *metrics.Metrics
}

// New builds a selector and loads the shared circuit state.
func New(ctx context.Context, cfg Config, pb *primary.Backend, fb *fallback.Backend, ba *batch.Acquirer, authority *fencing.Authority, opts ...Option) (*Selector, error) {
	s := &Selector{
		primary:    pb,
		fallback:   fb,
		batch:      ba,
		authority:  authority,
		retry:      cfg.Retry,
		maxTTL:     cfg.MaxTTL,
		adminToken: cfg.AdminToken,
		clock:      clockwork.NewRealClock(),
		logger:     hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	s.logger = s.logger.Named("selector")

	s.breaker = newBreaker(cfg.Breaker, NewStateStore(authority.DB(), cfg.CircuitName), s.clock, s.logger, s.metrics)
	if err := s.breaker.load(ctx); err != nil {
		return nil, fmt.Errorf("load circuit state: %w", err)
	}
	return s, nil
}

// CurrentBackend is primary only while the circuit is closed.
func (s *Selector) CurrentBackend() types.BackendKind {
	if s.breaker.phase() == Closed {
		return types.BackendPrimary
	}
	return types.BackendFallback
}

func (s *Selector) Circuit() State {
	return s.breaker.snapshot()
}

// call runs op on the backend the breaker picks. A transient primary failure
// is served again by the fallback in the same call. onFallback is told when
// the primary may still be granting, so grants can check it first.
func call[T any](ctx context.Context, s *Selector, op string, onPrimary func(context.Context) (T, error), onFallback func(ctx context.Context, shared bool) (T, error)) (T, types.BackendKind, error) {
	s.breaker.refresh(ctx)

	r := s.breaker.allow()
	if r == routePrimary || r == routeTrial {
		v, err := timed(ctx, s, types.BackendPrimary, op, onPrimary)
		if err == nil || types.IsPermanent(err) {
			s.breaker.success(ctx, r)
			return v, types.BackendPrimary, err
		}
		if errors.Is(err, storage.ErrUnavailable) {
			// the durable store failed, not the primary
			s.breaker.release(r)
			if ctx.Err() != nil {
				return v, types.BackendPrimary, ctx.Err()
			}
			return v, types.BackendPrimary, fmt.Errorf("%w: %s: %v", types.ErrBackendUnavailable, op, err)
		}
		s.breaker.failure(ctx, r, err)
		if ctx.Err() != nil {
			return v, types.BackendPrimary, ctx.Err()
		}
		s.logger.Warn("primary call failed, serving from fallback", "op", op, "error", err)
	}

	shared := r == routeOverflow
	v, err := timed(ctx, s, types.BackendFallback, op, func(ctx context.Context) (T, error) {
		return onFallback(ctx, shared)
	})
	if err != nil && !types.IsPermanent(err) && ctx.Err() == nil {
		return v, types.BackendFallback, fmt.Errorf("%w: %s: %v", types.ErrBackendUnavailable, op, err)
	}
	return v, types.BackendFallback, err
}

// grantOptions makes a fallback grant check the primary store while the
// primary is still serving trial calls.
func (s *Selector) grantOptions(shared bool) []fallback.GrantOption {
	if !shared {
		return nil
	}
	return []fallback.GrantOption{fallback.CheckPrimary(s.primary.Store())}
}

// durable marks a fallback table error met on the primary path so it does
// not count against the primary.
func durable(err error) error {
	if err == nil || types.IsPermanent(err) {
		return err
	}
	return storage.Unavailable(err)
}

// timed wraps one backend call in the retry budget and records its latency.
func timed[T any](ctx context.Context, s *Selector, kind types.BackendKind, op string, fn func(context.Context) (T, error)) (T, error) {
	policy := s.retry
	policy.OnRetry = func(err error, wait time.Duration) {
		s.logger.Debug("retrying backend call", "backend", kind, "op", op, "wait", wait, "error", err)
	}

	start := s.clock.Now()
	v, err := retry.Do(ctx, policy, fn)
	s.metrics.ObserveBackendLatency(string(kind), op, s.clock.Since(start))
	return v, err
}

func (s *Selector) checkTTL(ttl time.Duration) error {
	if ttl <= 0 || (s.maxTTL > 0 && ttl > s.maxTTL) {
		return fmt.Errorf("%w: %s exceeds limit %s", types.ErrInvalidTTL, ttl, s.maxTTL)
	}
	return nil
}

func (s *Selector) Acquire(ctx context.Context, req types.AcquireRequest) (types.LockResult, error) {
	if err := req.Validate(); err != nil {
		return types.LockResult{}, err
	}
	if err := s.checkTTL(req.TTL); err != nil {
		return types.LockResult{}, err
	}

	res, kind, err := call(ctx, s, "acquire",
		func(ctx context.Context) (types.LockResult, error) { return s.primary.Acquire(ctx, req) },
		func(ctx context.Context, shared bool) (types.LockResult, error) {
			return s.fallback.Acquire(ctx, req, s.grantOptions(shared)...)
		},
	)
	switch {
	case err == nil:
		s.metrics.ObserveAcquire(string(kind), metrics.ResultSuccess)
	case errors.Is(err, types.ErrConflict):
		s.metrics.ObserveAcquire(string(kind), metrics.ResultConflict)
	default:
		s.metrics.ObserveAcquire(string(kind), metrics.ResultError)
	}
	return res, err
}

// Release is owner-checked and idempotent. While closed it also clears a
// hold the fallback granted during an outage.
func (s *Selector) Release(ctx context.Context, resourceID, owner string) error {
	if resourceID == "" || owner == "" {
		return fmt.Errorf("%w: resource id and owner are required", types.ErrInvalidRequest)
	}

	_, kind, err := call(ctx, s, "release",
		func(ctx context.Context) (struct{}, error) {
			if err := s.primary.Release(ctx, resourceID, owner); err != nil {
				return struct{}{}, err
			}
			return struct{}{}, durable(s.fallback.Release(ctx, resourceID, owner))
		},
		func(ctx context.Context, _ bool) (struct{}, error) {
			return struct{}{}, s.fallback.Release(ctx, resourceID, owner)
		},
	)
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	s.metrics.ObserveRelease(string(kind), result)
	return err
}

// Extend moves an owned lock's expiry to now+ttl. It never re-acquires.
func (s *Selector) Extend(ctx context.Context, resourceID, owner string, ttl time.Duration) (types.LockResult, error) {
	if resourceID == "" || owner == "" {
		return types.LockResult{}, fmt.Errorf("%w: resource id and owner are required", types.ErrInvalidRequest)
	}
	if err := s.checkTTL(ttl); err != nil {
		return types.LockResult{}, err
	}

	res, _, err := call(ctx, s, "extend",
		func(ctx context.Context) (types.LockResult, error) {
			res, err := s.primary.Extend(ctx, resourceID, owner, ttl)
			if errors.Is(err, types.ErrLockLost) {
				res, err = s.fallback.Extend(ctx, resourceID, owner, ttl)
				return res, durable(err)
			}
			return res, err
		},
		func(ctx context.Context, _ bool) (types.LockResult, error) {
			return s.fallback.Extend(ctx, resourceID, owner, ttl)
		},
	)
	return res, err
}

func (s *Selector) Status(ctx context.Context, resourceID string) (types.LockStatus, error) {
	if resourceID == "" {
		return types.LockStatus{}, fmt.Errorf("%w: resource id is required", types.ErrInvalidRequest)
	}

	st, _, err := call(ctx, s, "status",
		func(ctx context.Context) (types.LockStatus, error) {
			st, err := s.primary.Status(ctx, resourceID)
			if err != nil || st.Locked {
				return st, err
			}
			st, err = s.fallback.Status(ctx, resourceID)
			return st, durable(err)
		},
		func(ctx context.Context, _ bool) (types.LockStatus, error) {
			return s.fallback.Status(ctx, resourceID)
		},
	)
	return st, err
}

// AcquireBatch is all or nothing on whichever backend serves it.
func (s *Selector) AcquireBatch(ctx context.Context, resourceIDs []string, owner string, ttl time.Duration) ([]types.Lock, error) {
	if err := s.checkTTL(ttl); err != nil {
		return nil, err
	}

	locks, kind, err := call(ctx, s, "acquire_batch",
		func(ctx context.Context) ([]types.Lock, error) {
			return s.batch.Acquire(ctx, resourceIDs, owner, ttl)
		},
		func(ctx context.Context, shared bool) ([]types.Lock, error) {
			return s.fallback.AcquireBatch(ctx, resourceIDs, owner, ttl, s.grantOptions(shared)...)
		},
	)
	if kind == types.BackendFallback {
		switch {
		case err == nil:
			s.metrics.ObserveBatch(metrics.ResultSuccess)
		case errors.Is(err, types.ErrBatchConflict):
			s.metrics.ObserveBatch(metrics.ResultConflict)
		default:
			s.metrics.ObserveBatch(metrics.ResultError)
		}
	}
	return locks, err
}

// ReleaseBatch releases every id and reports each failure.
func (s *Selector) ReleaseBatch(ctx context.Context, resourceIDs []string, owner string) error {
	var errs []error
	for _, id := range resourceIDs {
		if err := s.Release(ctx, id, owner); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ForceRelease drops the lock on both backends whoever holds it and bumps
// the version so an outstanding fenced write from the old holder fails.
func (s *Selector) ForceRelease(ctx context.Context, resourceID, adminToken string) (bool, error) {
	if s.adminToken == "" || subtle.ConstantTimeCompare([]byte(adminToken), []byte(s.adminToken)) != 1 {
		return false, types.ErrUnauthorized
	}
	if resourceID == "" {
		return false, fmt.Errorf("%w: resource id is required", types.ErrInvalidRequest)
	}

	existed := false
	if s.breaker.phase() != Open {
		ok, err := s.primary.ForceRelease(ctx, resourceID)
		if err != nil {
			s.logger.Warn("force release on primary failed", "resource", resourceID, "error", err)
		}
		existed = existed || ok
	}

	ok, err := s.fallback.ForceRelease(ctx, resourceID)
	if err != nil {
		return existed, err
	}
	existed = existed || ok

	if _, err := s.authority.BumpVersions(ctx, []string{resourceID}); err != nil {
		return existed, err
	}

	s.logger.Info("force released", "resource", resourceID, "existed", existed)
	return existed, nil
}

// Probe runs one functional health check against the primary.
func (s *Selector) Probe(ctx context.Context) error {
	s.breaker.refresh(ctx)

	pctx, cancel := context.WithTimeout(ctx, s.breaker.cfg.ProbeTimeout)
	defer cancel()

	start := s.clock.Now()
	err := s.primary.Probe(pctx)
	latency := s.clock.Since(start)
	s.metrics.ObserveBackendLatency(string(types.BackendPrimary), "probe", latency)

	s.breaker.observeProbe(ctx, latency, err)
	return err
}

// Run probes the primary every probe interval until ctx is done.
func (s *Selector) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.breaker.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := s.Probe(ctx); err != nil && ctx.Err() == nil {
				s.logger.Debug("primary probe failed", "phase", s.breaker.phase(), "error", err)
			}
		}
	}
}
