package notify

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/seatlock/pkg/metrics"
)

const (
	DefaultBuffer = 1024

	// bounds the final drain on shutdown
	drainTimeout = 2 * time.Second
)

// Async queues events for one worker goroutine. A full queue drops the
// event and counts it.
type Async struct {
	next    Notifier
	events  chan Event
	logger  hclog.Logger
	metrics *metrics.Metrics

	dropped atomic.Uint64
}

func NewAsync(next Notifier, buffer int, logger hclog.Logger, m *metrics.Metrics) *Async {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Async{
		next:    next,
		events:  make(chan Event, buffer),
		logger:  logger.Named("notify"),
		metrics: m,
	}
}

// Notify enqueues without blocking.
func (a *Async) Notify(_ context.Context, e Event) error {
	select {
	case a.events <- e:
	default:
		a.dropped.Add(1)
		a.metrics.ObserveNotification("dropped")
		a.logger.Warn("notification queue full, dropping event", "resource", e.ResourceID)
	}
	return nil
}

func (a *Async) Dropped() uint64 { return a.dropped.Load() }

// Run delivers queued events until ctx is done, then drains what is left.
func (a *Async) Run(ctx context.Context) error {
	for {
		select {
		case e := <-a.events:
			a.deliver(ctx, e)
		case <-ctx.Done():
			a.drain(ctx)
			return nil
		}
	}
}

func (a *Async) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()

	for {
		select {
		case e := <-a.events:
			a.deliver(ctx, e)
		default:
			return
		}
	}
}

func (a *Async) deliver(ctx context.Context, e Event) {
	if err := a.next.Notify(ctx, e); err != nil {
		a.metrics.ObserveNotification("failed")
		a.logger.Warn("notification failed", "venue", e.VenueID, "resource", e.ResourceID, "error", err)
		return
	}
	a.metrics.ObserveNotification("sent")
}
