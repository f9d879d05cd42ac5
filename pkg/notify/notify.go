// Package notify tells downstream caches that a resource's availability
// changed. Delivery is best effort and never blocks a booking transition.
package notify

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Event fires when a booking crosses into or out of available.
type Event struct {
	VenueID    string    `json:"venue_id"`
	ResourceID string    `json:"resource_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	At         time.Time `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

type NotifierFunc func(ctx context.Context, e Event) error

func (f NotifierFunc) Notify(ctx context.Context, e Event) error { return f(ctx, e) }

// maps a resource id to the venue whose cache must be invalidated
type VenueResolver func(resourceID string) string

// VenueOf takes everything before the first '/', or "" when there is none.
func VenueOf(resourceID string) string {
	venue, _, ok := strings.Cut(resourceID, "/")
	if !ok {
		return ""
	}
	return venue
}

// Log writes every event to a logger. It is the default sink when no cache
// invalidation endpoint is wired.
type Log struct {
	logger hclog.Logger
}

func NewLog(logger hclog.Logger) *Log {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Log{logger: logger.Named("notify")}
}

func (l *Log) Notify(_ context.Context, e Event) error {
	l.logger.Info("availability changed",
		"venue", e.VenueID, "resource", e.ResourceID, "from", e.From, "to", e.To)
	return nil
}

// Discard drops every event.
var Discard Notifier = NotifierFunc(func(context.Context, Event) error { return nil })
