// Package backendtest wires both lock backends against miniredis and a
// throwaway sqlite file for tests.
package backendtest

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	"github.com/pixperk/seatlock/pkg/backend/fallback"
	"github.com/pixperk/seatlock/pkg/backend/primary"
	"github.com/pixperk/seatlock/pkg/fencing"
	"github.com/pixperk/seatlock/pkg/storage"
	"github.com/pixperk/seatlock/pkg/storage/storagetest"
	"github.com/redis/go-redis/v9"
)

type Env struct {
	Redis  *miniredis.Miniredis
	Client *redis.Client
	DB     *storage.DB
	Clock  *clockwork.FakeClock
	Logger hclog.Logger

	Authority *fencing.Authority
	Store     *primary.Store
	Primary   *primary.Backend
	Fallback  *fallback.Backend
}

func New(t testing.TB) *Env {
	t.Helper()

	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:       m.Addr(),
		MaxRetries: -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	db := storagetest.Open(t)
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 19, 30, 0, 0, time.UTC))
	logger := hclog.NewNullLogger()

	authority := fencing.NewAuthority(db, fencing.WithClock(clock))
	store := primary.NewStore(client, "")
	fb := fallback.NewBackend(db, authority, clock, logger)
	pb := primary.NewBackend(store, authority, fb, clock, logger)

	return &Env{
		Redis:     m,
		Client:    client,
		DB:        db,
		Clock:     clock,
		Logger:    logger,
		Authority: authority,
		Store:     store,
		Primary:   pb,
		Fallback:  fb,
	}
}

// moves both the fake clock and the redis TTL clock
func (e *Env) Advance(d time.Duration) {
	e.Clock.Advance(d)
	e.Redis.FastForward(d)
}

// every primary command fails until Heal
func (e *Env) BreakPrimary() {
	e.Redis.SetError("LOADING redis is unavailable")
}

func (e *Env) HealPrimary() {
	e.Redis.SetError("")
}
