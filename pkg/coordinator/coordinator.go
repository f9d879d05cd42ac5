// Package coordinator assembles the lock stack from a resolved config:
// durable store, primary store, version authority, both backends, the
// selector, the booking machine, the compensator and the notification queue.
package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	"github.com/pixperk/seatlock/pkg/backend/fallback"
	"github.com/pixperk/seatlock/pkg/backend/primary"
	"github.com/pixperk/seatlock/pkg/batch"
	"github.com/pixperk/seatlock/pkg/compensator"
	"github.com/pixperk/seatlock/pkg/config"
	"github.com/pixperk/seatlock/pkg/fencing"
	"github.com/pixperk/seatlock/pkg/fsm"
	"github.com/pixperk/seatlock/pkg/metrics"
	"github.com/pixperk/seatlock/pkg/notify"
	"github.com/pixperk/seatlock/pkg/selector"
	"github.com/pixperk/seatlock/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

type Option func(*options)

type options struct {
	logger   hclog.Logger
	clock    clockwork.Clock
	redis    redis.UniversalClient
	registry *prometheus.Registry
	sink     notify.Notifier
}

func WithLogger(l hclog.Logger) Option { return func(o *options) { o.logger = l } }

func WithClock(c clockwork.Clock) Option { return func(o *options) { o.clock = c } }

// WithRedisClient uses an existing primary store client instead of dialing
// one from the config. The caller keeps ownership of it.
func WithRedisClient(c redis.UniversalClient) Option { return func(o *options) { o.redis = c } }

func WithRegistry(r *prometheus.Registry) Option { return func(o *options) { o.registry = r } }

// WithNotifier sets where availability events end up; the default logs them.
func WithNotifier(n notify.Notifier) Option { return func(o *options) { o.sink = n } }

type Coordinator struct {
	Config   config.Config
	Logger   hclog.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	DB        *storage.DB
	Redis     redis.UniversalClient
	Authority *fencing.Authority
	Store     *primary.Store
	Primary   *primary.Backend
	Fallback  *fallback.Backend
	Batch     *batch.Acquirer

	Selector    *selector.Selector
	Machine     *fsm.Machine
	Compensator *compensator.Compensator
	Notifier    *notify.Async

	closers []func() error
}

// New opens both stores and builds every component. Nothing runs in the
// background until Run.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = cfg.Log.NewLogger("seatlock")
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
		o.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	c := &Coordinator{
		Config:   cfg,
		Logger:   o.logger,
		Registry: o.registry,
		Metrics:  metrics.New(o.registry),
	}
	ready := false
	defer func() {
		if !ready {
			_ = c.Close()
		}
	}()

	var err error
	c.DB, err = storage.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open durable store: %w", err)
	}
	c.closers = append(c.closers, c.DB.Close)

	c.Redis = o.redis
	if c.Redis == nil {
		c.Redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:        cfg.Redis.Addrs,
			Username:     cfg.Redis.Username,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
			// the selector owns retries
			MaxRetries: -1,
		})
		c.closers = append(c.closers, c.Redis.Close)
	}

	logger := c.Logger
	c.Authority = fencing.NewAuthority(c.DB, fencing.WithClock(o.clock))
	c.Store = primary.NewStore(c.Redis, cfg.Redis.Prefix)
	c.Fallback = fallback.NewBackend(c.DB, c.Authority, o.clock, logger.Named("fallback"))
	c.Primary = primary.NewBackend(c.Store, c.Authority, c.Fallback, o.clock, logger.Named("primary"))
	c.Batch = batch.NewAcquirer(c.Authority, c.Store, c.Fallback, o.clock, logger.Named("batch"), c.Metrics)

	c.Selector, err = selector.New(ctx, selector.Config{
		Breaker:    cfg.Breaker,
		Retry:      cfg.Retry,
		MaxTTL:     cfg.Locks.MaxTTL,
		AdminToken: cfg.Locks.AdminToken,
	}, c.Primary, c.Fallback, c.Batch, c.Authority,
		selector.WithClock(o.clock),
		selector.WithLogger(logger.Named("selector")),
		selector.WithMetrics(c.Metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("load circuit state: %w", err)
	}

	sink := o.sink
	if sink == nil {
		sink = notify.NewLog(logger.Named("notify"))
	}
	c.Notifier = notify.NewAsync(sink, cfg.NotifyBuffer, logger.Named("notify"), c.Metrics)

	c.Machine = fsm.New(c.Selector, fsm.Config{
		HoldTTL:    cfg.Locks.HoldTTL,
		ReserveTTL: cfg.Locks.ReserveTTL,
	},
		fsm.WithClock(o.clock),
		fsm.WithLogger(logger.Named("fsm")),
		fsm.WithMetrics(c.Metrics),
		fsm.WithNotifier(c.Notifier),
	)

	c.Compensator = compensator.New(c.Store, c.Fallback, cfg.Compensator, o.clock, logger.Named("compensator"), c.Metrics)

	logger.Info("coordinator ready",
		"db_driver", cfg.Database.Driver,
		"redis", cfg.Redis.Addrs,
		"backend", c.Selector.CurrentBackend(),
	)
	ready = true
	return c, nil
}

// Run drives the health prober, the compensator and the notification queue
// until ctx is done or one of them fails.
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Selector.Run(ctx) })
	g.Go(func() error { return c.Compensator.Run(ctx) })
	g.Go(func() error { return c.Notifier.Run(ctx) })
	return g.Wait()
}

// Close releases the stores in reverse order of opening.
func (c *Coordinator) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
