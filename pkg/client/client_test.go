package client_test

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pixperk/seatlock/pkg/client"
	"github.com/pixperk/seatlock/pkg/coordinator/coordinatortest"
	"github.com/pixperk/seatlock/pkg/server"
	"github.com/pixperk/seatlock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

// serves a full coordinator in process and returns a dialer for it
func serve(t testing.TB) (*coordinatortest.Env, func(userID string, opts ...client.Option) *client.Client) {
	t.Helper()
	env := coordinatortest.New(t, nil)

	lis := bufconn.Listen(1 << 20)
	g := server.NewGRPCServer(server.NewServer(env.Coordinator))
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(g.Stop)

	dial := func(userID string, opts ...client.Option) *client.Client {
		opts = append(opts, client.WithDialOptions(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		})))
		c, err := client.NewClient("passthrough:///bufnet", userID, opts...)
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })
		return c
	}
	return env, dial
}

func TestHoldReservePay(t *testing.T) {
	_, dial := serve(t)
	ctx := context.Background()
	alice := dial("alice", client.WithSession("tab-1"))

	b, err := alice.Hold(ctx, "odeon/A1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), b.Token())
	assert.Equal(t, "locked", b.State())

	st, err := alice.Status(ctx, "odeon/A1")
	require.NoError(t, err)
	assert.Equal(t, "alice:tab-1", st.Owner)
	assert.Equal(t, types.BackendPrimary, st.Backend)

	require.NoError(t, b.Reserve(ctx, "pay-1"))
	assert.Equal(t, "reserved", b.State())
	require.NoError(t, b.Pay(ctx))
	assert.Equal(t, "paid", b.State())

	// paid is terminal and the handle keeps its last accepted state
	err = b.Release(ctx)
	require.ErrorIs(t, err, types.ErrInvalidTransition)
	assert.Equal(t, "paid", b.State())
}

func TestConflictMapsBackToTaxonomy(t *testing.T) {
	_, dial := serve(t)
	ctx := context.Background()
	alice, bob := dial("alice"), dial("bob")

	_, err := alice.Hold(ctx, "A1")
	require.NoError(t, err)

	_, err = bob.Hold(ctx, "A1")
	require.ErrorIs(t, err, types.ErrConflict)
	var ce *types.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "alice", ce.Owner)
	assert.Equal(t, 3*time.Minute, ce.RetryAfter)

	can, err := bob.CanSelect(ctx, "A1")
	require.NoError(t, err)
	assert.False(t, can.CanSelect)
	assert.Equal(t, 3*time.Minute, can.RetryAfter)
}

func TestBatchAndAdmin(t *testing.T) {
	env, dial := serve(t)
	ctx := context.Background()
	alice := dial("alice")
	ops := dial("ops", client.WithAdminToken(coordinatortest.AdminToken))

	locks, err := alice.AcquireBatch(ctx, []string{"A1", "A2"}, time.Minute)
	require.NoError(t, err)
	require.Len(t, locks, 2)

	_, err = dial("bob").AcquireBatch(ctx, []string{"A2", "A3"}, time.Minute)
	var bce *types.BatchConflictError
	require.ErrorAs(t, err, &bce)
	assert.Equal(t, []string{"A2"}, bce.Conflicts)

	_, err = alice.ForceRelease(ctx, "A1")
	require.ErrorIs(t, err, types.ErrUnauthorized)

	existed, err := ops.ForceRelease(ctx, "A1")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.False(t, env.Redis.Exists(env.Store.Key("A1")))

	require.NoError(t, alice.ReleaseBatch(ctx, []string{"A2"}))

	circuit, err := ops.Circuit(ctx)
	require.NoError(t, err)
	assert.Equal(t, "closed", circuit.Phase)

	sweep, err := ops.RunCompensatorOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, sweep.Deleted)
	require.NoError(t, ops.ResetMetrics(ctx))
}

func BenchmarkSequential(b *testing.B) {
	_, dial := serve(b)
	c := dial("bench-sequential")
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		booking, err := c.Hold(ctx, "bench-seat")
		if err != nil {
			b.Fatalf("hold: %v", err)
		}
		if err := booking.Release(ctx); err != nil {
			b.Fatalf("release: %v", err)
		}
	}
}

func BenchmarkContention(b *testing.B) {
	const numClients = 3
	_, dial := serve(b)
	ctx := context.Background()

	clients := make([]*client.Client, numClients)
	for i := range clients {
		clients[i] = dial(fmt.Sprintf("bench-contention-%d", i))
	}

	var won, lost atomic.Int64
	b.ResetTimer()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()
			for i := 0; i < b.N/numClients; i++ {
				booking, err := c.Hold(ctx, "bench-contended-seat")
				if err != nil {
					lost.Add(1)
					continue
				}
				won.Add(1)
				_ = booking.Release(ctx)
			}
		}(c)
	}
	wg.Wait()

	b.ReportMetric(float64(won.Load()), "won")
	b.ReportMetric(float64(lost.Load()), "lost")
}
