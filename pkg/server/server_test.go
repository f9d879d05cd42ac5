package server

import (
	"context"
	"net"
	"testing"
	"time"

	pb "github.com/pixperk/seatlock/api/v1"
	"github.com/pixperk/seatlock/pkg/coordinator/coordinatortest"
	"github.com/pixperk/seatlock/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type harness struct {
	env     *coordinatortest.Env
	booking pb.BookingClient
	admin   pb.AdminClient
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	env := coordinatortest.New(t, nil)

	lis := bufconn.Listen(1 << 20)
	g := NewGRPCServer(NewServer(env.Coordinator))
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(g.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &harness{
		env:     env,
		booking: pb.NewBookingClient(conn),
		admin:   pb.NewAdminClient(conn),
	}
}

func (h *harness) hold(t *testing.T, resourceID, user string) pb.Booking {
	t.Helper()
	ctx := context.Background()
	sel, err := h.booking.Select(ctx, &pb.SelectRequest{ResourceID: resourceID, UserID: user})
	require.NoError(t, err)
	held, err := h.booking.Hold(ctx, &pb.BookingRequest{Booking: sel.Booking})
	require.NoError(t, err)
	return held.Booking
}

func errorInfoOf(t *testing.T, err error) (*errdetails.ErrorInfo, *errdetails.RetryInfo) {
	t.Helper()
	st, ok := status.FromError(err)
	require.True(t, ok)

	var (
		info  *errdetails.ErrorInfo
		retry *errdetails.RetryInfo
	)
	for _, d := range st.Details() {
		switch v := d.(type) {
		case *errdetails.ErrorInfo:
			info = v
		case *errdetails.RetryInfo:
			retry = v
		}
	}
	require.NotNil(t, info, "missing ErrorInfo on %v", err)
	return info, retry
}

func TestBookingOverGRPC(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b := h.hold(t, "odeon/A1", "alice")
	assert.Equal(t, "locked", b.State)
	assert.Equal(t, "odeon", b.VenueID)
	assert.Equal(t, uint64(1), b.Version)
	assert.Equal(t, "primary", b.Backend)

	st, err := h.booking.Status(ctx, &pb.StatusRequest{ResourceID: "odeon/A1"})
	require.NoError(t, err)
	assert.True(t, st.Locked)
	assert.Equal(t, "alice", st.Owner)
	assert.Equal(t, (3 * time.Minute).Milliseconds(), st.RemainingTTLMs)

	reserved, err := h.booking.Reserve(ctx, &pb.ReserveRequest{Booking: b, PaymentRef: "pay-1"})
	require.NoError(t, err)
	assert.Equal(t, "reserved", reserved.Booking.State)

	paid, err := h.booking.Pay(ctx, &pb.BookingRequest{Booking: reserved.Booking})
	require.NoError(t, err)
	assert.Equal(t, "paid", paid.Booking.State)

	st, err = h.booking.Status(ctx, &pb.StatusRequest{ResourceID: "odeon/A1"})
	require.NoError(t, err)
	assert.False(t, st.Locked)
}

func TestConflictCarriesDetails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.hold(t, "A1", "alice")

	_, err := h.booking.Select(ctx, &pb.SelectRequest{ResourceID: "A1", UserID: "bob"})
	require.Error(t, err)
	assert.Equal(t, codes.Aborted, status.Code(err))

	info, retry := errorInfoOf(t, err)
	assert.Equal(t, pb.ReasonConflict, info.Reason)
	assert.Equal(t, "alice", info.Metadata["owner"])
	require.NotNil(t, retry)
	assert.Equal(t, 3*time.Minute, retry.RetryDelay.AsDuration())

	can, err := h.booking.CanSelect(ctx, &pb.CanSelectRequest{ResourceID: "A1", UserID: "bob"})
	require.NoError(t, err)
	assert.False(t, can.CanSelect)
	assert.Equal(t, "alice", can.CurrentOwner)
}

func TestRejectsMalformedBookings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.booking.Hold(ctx, &pb.BookingRequest{Booking: pb.Booking{ResourceID: "A1", UserID: "alice", State: "floating"}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.booking.Select(ctx, &pb.SelectRequest{ResourceID: "A1"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.booking.Pay(ctx, &pb.BookingRequest{Booking: pb.Booking{ResourceID: "A1", UserID: "alice", State: "available"}})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	info, _ := errorInfoOf(t, err)
	assert.Equal(t, pb.ReasonInvalidTransition, info.Reason)
}

func TestBatchOverGRPC(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, err := h.booking.AcquireBatch(ctx, &pb.AcquireBatchRequest{
		ResourceIDs: []string{"A1", "A2", "A3"},
		Owner:       "alice",
		TTLMs:       time.Minute.Milliseconds(),
	})
	require.NoError(t, err)
	require.Len(t, resp.Locks, 3)

	_, err = h.booking.AcquireBatch(ctx, &pb.AcquireBatchRequest{
		ResourceIDs: []string{"A3", "A4"},
		Owner:       "bob",
		TTLMs:       time.Minute.Milliseconds(),
	})
	require.Error(t, err)
	info, _ := errorInfoOf(t, err)
	assert.Equal(t, pb.ReasonBatchConflict, info.Reason)
	assert.Equal(t, "A3", info.Metadata["conflicts"])

	_, err = h.booking.ReleaseBatch(ctx, &pb.ReleaseBatchRequest{ResourceIDs: []string{"A1", "A2", "A3"}, Owner: "alice"})
	require.NoError(t, err)
	assert.False(t, h.env.Redis.Exists(h.env.Store.Key("A1")))
}

func TestAdminRequiresToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.admin.ResetMetrics(ctx, &pb.AdminRequest{AdminToken: "nope"})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	_, err = h.admin.RunCompensatorOnce(ctx, &pb.AdminRequest{})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
	_, err = h.admin.ForceRelease(ctx, &pb.ForceReleaseRequest{ResourceID: "A1", AdminToken: "nope"})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestAdminOperations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	token := coordinatortest.AdminToken

	b := h.hold(t, "A1", "alice")

	fr, err := h.admin.ForceRelease(ctx, &pb.ForceReleaseRequest{ResourceID: "A1", AdminToken: token})
	require.NoError(t, err)
	assert.True(t, fr.Existed)

	// the forced release bumped the version past alice's token
	_, err = h.booking.Reserve(ctx, &pb.ReserveRequest{Booking: b, PaymentRef: "pay-1"})
	require.Error(t, err)

	require.NoError(t, h.env.Redis.Set(h.env.Store.Key("ghost"), types.NewLockValue(9, "ghost").String()))
	sweep, err := h.admin.RunCompensatorOnce(ctx, &pb.AdminRequest{AdminToken: token})
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Deleted)

	_, err = h.admin.ResetMetrics(ctx, &pb.AdminRequest{AdminToken: token})
	require.NoError(t, err)

	circuit, err := h.admin.Circuit(ctx, &pb.Empty{})
	require.NoError(t, err)
	assert.Equal(t, "closed", circuit.Phase)
	assert.Equal(t, "primary", circuit.Backend)

	blocked, err := h.admin.Block(ctx, &pb.AdminBookingRequest{
		AdminToken: token,
		Booking:    pb.Booking{ResourceID: "B1", UserID: "ops", State: "available"},
	})
	require.NoError(t, err)
	assert.Equal(t, "blocked", blocked.Booking.State)

	open, err := h.admin.Unblock(ctx, &pb.AdminBookingRequest{AdminToken: token, Booking: blocked.Booking})
	require.NoError(t, err)
	assert.Equal(t, "available", open.Booking.State)
}

func TestToGRPCError(t *testing.T) {
	cases := []struct {
		err    error
		code   codes.Code
		reason string
	}{
		{&types.ConflictError{ResourceID: "A1", Owner: "alice", RetryAfter: time.Second}, codes.Aborted, pb.ReasonConflict},
		{&types.BatchConflictError{Conflicts: []string{"A1"}}, codes.Aborted, pb.ReasonBatchConflict},
		{&types.StaleLockError{ResourceID: "A1", Expected: 1, Actual: 2}, codes.FailedPrecondition, pb.ReasonStaleLock},
		{&types.TransitionError{From: "paid", Action: "hold"}, codes.FailedPrecondition, pb.ReasonInvalidTransition},
		{types.ErrLockLost, codes.FailedPrecondition, pb.ReasonLockLost},
		{types.ErrNotOwner, codes.PermissionDenied, pb.ReasonNotOwner},
		{types.ErrUnauthorized, codes.Unauthenticated, pb.ReasonUnauthorized},
		{types.ErrBackendUnavailable, codes.Unavailable, pb.ReasonBackendUnavailable},
		{types.ErrInvalidTTL, codes.InvalidArgument, pb.ReasonInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			err := toGRPCError(tc.err)
			assert.Equal(t, tc.code, status.Code(err))
			info, _ := errorInfoOf(t, err)
			assert.Equal(t, tc.reason, info.Reason)
			assert.Equal(t, pb.ErrorDomain, info.Domain)
		})
	}

	assert.Nil(t, toGRPCError(nil))
	assert.Equal(t, codes.Canceled, status.Code(toGRPCError(context.Canceled)))
	assert.Equal(t, codes.Internal, status.Code(toGRPCError(types.ErrRollbackMismatch)))
}
