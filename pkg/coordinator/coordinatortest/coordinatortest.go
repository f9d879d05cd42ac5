// Package coordinatortest builds a full coordinator over miniredis and a
// throwaway sqlite file.
package coordinatortest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	"github.com/pixperk/seatlock/pkg/config"
	"github.com/pixperk/seatlock/pkg/coordinator"
	"github.com/pixperk/seatlock/pkg/notify"
	"github.com/pixperk/seatlock/pkg/storage"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const AdminToken = "s3cret"

type Env struct {
	*coordinator.Coordinator
	Redis *miniredis.Miniredis
	Clock *clockwork.FakeClock
}

// Config is a valid config pointing at nothing; New fills in the stores.
func Config(t testing.TB) config.Config {
	cfg := config.Default()
	cfg.Database = storage.Config{
		Driver: storage.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "seatlock.db"),
	}
	cfg.Locks.AdminToken = AdminToken
	cfg.Retry.MaxAttempts = 1
	cfg.Breaker.FailureThreshold = 2
	cfg.Log.Level = "error"
	return cfg
}

func New(t testing.TB, sink notify.Notifier, mutate ...func(*config.Config)) *Env {
	t.Helper()

	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	cfg := Config(t)
	cfg.Redis.Addrs = []string{m.Addr()}
	for _, fn := range mutate {
		fn(&cfg)
	}

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 19, 30, 0, 0, time.UTC))
	opts := []coordinator.Option{
		coordinator.WithLogger(hclog.NewNullLogger()),
		coordinator.WithClock(clock),
		coordinator.WithRedisClient(client),
	}
	if sink != nil {
		opts = append(opts, coordinator.WithNotifier(sink))
	}

	c, err := coordinator.New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return &Env{Coordinator: c, Redis: m, Clock: clock}
}

// moves both the fake clock and the redis TTL clock
func (e *Env) Advance(d time.Duration) {
	e.Clock.Advance(d)
	e.Redis.FastForward(d)
}
