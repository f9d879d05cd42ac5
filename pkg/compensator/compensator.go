// Package compensator periodically reclaims lock state that outlived its
// TTL: primary keys with no remaining expiry and expired fallback rows.
// Correctness never depends on it; it bounds dead-but-present state.
package compensator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	"github.com/pixperk/seatlock/pkg/backend/fallback"
	"github.com/pixperk/seatlock/pkg/backend/primary"
	"github.com/pixperk/seatlock/pkg/metrics"
	"golang.org/x/time/rate"
)

type Config struct {
	Interval time.Duration
	// keys per SCAN page
	PageSize int64
	// ceiling on primary deletes, so a sweep never competes with live traffic
	DeletesPerSecond float64
}

func DefaultConfig() Config {
	return Config{
		Interval:         30 * time.Second,
		PageSize:         100,
		DeletesPerSecond: 50,
	}
}

type SweepReport struct {
	Scanned        int           `json:"scanned"`
	Deleted        int           `json:"deleted"`
	FallbackPurged int64         `json:"fallback_purged"`
	FallbackHeld   int64         `json:"fallback_held"`
	Duration       time.Duration `json:"duration"`
}

type Compensator struct {
	store    *primary.Store
	fallback *fallback.Backend
	cfg      Config
	limiter  *rate.Limiter

	clock   clockwork.Clock
	logger  hclog.Logger
	metrics *metrics.Metrics
}

func New(store *primary.Store, fb *fallback.Backend, cfg Config, clock clockwork.Clock, logger hclog.Logger, m *metrics.Metrics) *Compensator {
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = d.PageSize
	}
	if cfg.DeletesPerSecond <= 0 {
		cfg.DeletesPerSecond = d.DeletesPerSecond
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if m == nil {
		m = metrics.New(nil)
	}

	burst := int(cfg.DeletesPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Compensator{
		store:    store,
		fallback: fb,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.DeletesPerSecond), burst),
		clock:    clock,
		logger:   logger.Named("compensator"),
		metrics:  m,
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (c *Compensator) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			c.sweep(ctx)
		}
	}
}

func (c *Compensator) sweep(ctx context.Context) {
	if _, err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
		c.logger.Warn("sweep failed", "error", err)
	}
}

// RunOnce does one full pass. A partial report comes back with the error.
func (c *Compensator) RunOnce(ctx context.Context) (SweepReport, error) {
	start := c.clock.Now()
	var report SweepReport

	primaryErr := c.sweepPrimary(ctx, &report)

	purged, err := c.fallback.PurgeExpired(ctx)
	if err != nil {
		err = fmt.Errorf("purge fallback: %w", err)
	}
	report.FallbackPurged = purged

	held, heldErr := c.fallback.Held(ctx)
	if heldErr != nil {
		heldErr = fmt.Errorf("count fallback holds: %w", heldErr)
	}
	report.FallbackHeld = held
	report.Duration = c.clock.Since(start)

	errs := errors.Join(primaryErr, err, heldErr)
	c.metrics.ObserveCompensatorRun(errs == nil)
	c.metrics.ObserveCompensator("primary", int64(report.Deleted))
	c.metrics.ObserveCompensator("fallback", report.FallbackPurged)

	if report.Deleted > 0 || report.FallbackPurged > 0 || errs != nil {
		c.logger.Info("sweep finished",
			"scanned", report.Scanned,
			"deleted", report.Deleted,
			"fallback_purged", report.FallbackPurged,
			"fallback_held", report.FallbackHeld,
			"duration", report.Duration,
			"error", errs)
	}
	return report, errs
}

func (c *Compensator) sweepPrimary(ctx context.Context, report *SweepReport) error {
	var cursor uint64
	for {
		keys, next, err := c.store.ScanPage(ctx, cursor, c.cfg.PageSize)
		if err != nil {
			return err
		}
		report.Scanned += len(keys)

		if len(keys) > 0 {
			ttls, err := c.store.TTLs(ctx, keys)
			if err != nil {
				return err
			}
			for i, key := range keys {
				if !lapsed(ttls[i]) {
					continue
				}
				if err := c.limiter.Wait(ctx); err != nil {
					return err
				}
				deleted, err := c.store.DeleteIfLapsed(ctx, key)
				if err != nil {
					return err
				}
				if deleted {
					report.Deleted++
					c.logger.Debug("deleted lapsed key", "resource", c.store.ResourceID(key))
				}
			}
		}

		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// a lock key must always carry a TTL; -1 is none, 0 is spent, -2 is already gone
func lapsed(ttl time.Duration) bool {
	return ttl == -1 || ttl == 0
}
