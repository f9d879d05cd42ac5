package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"slices"
	"time"

	"github.com/hashicorp/go-hclog"
	pb "github.com/pixperk/seatlock/api/v1"
	"github.com/pixperk/seatlock/pkg/compensator"
	"github.com/pixperk/seatlock/pkg/coordinator"
	"github.com/pixperk/seatlock/pkg/fsm"
	"github.com/pixperk/seatlock/pkg/metrics"
	"github.com/pixperk/seatlock/pkg/selector"
	"github.com/pixperk/seatlock/pkg/types"
	"google.golang.org/grpc"
)

// Server exposes the booking machine and the admin surface over gRPC.
type Server struct {
	machine     *fsm.Machine
	selector    *selector.Selector
	compensator *compensator.Compensator
	metrics     *metrics.Metrics
	adminToken  string
	logger      hclog.Logger
}

var (
	_ pb.BookingServer = (*Server)(nil)
	_ pb.AdminServer   = (*Server)(nil)
)

// wraps a built coordinator into a gRPC server
func NewServer(c *coordinator.Coordinator) *Server {
	return &Server{
		machine:     c.Machine,
		selector:    c.Selector,
		compensator: c.Compensator,
		metrics:     c.Metrics,
		adminToken:  c.Config.Locks.AdminToken,
		logger:      c.Logger.Named("server"),
	}
}

// NewGRPCServer returns a grpc.Server with both services registered.
func NewGRPCServer(s *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(s.logCalls)}, opts...)
	g := grpc.NewServer(opts...)
	pb.RegisterBookingServer(g, s)
	pb.RegisterAdminServer(g, s)
	return g
}

func (s *Server) Select(ctx context.Context, req *pb.SelectRequest) (*pb.BookingResponse, error) {
	if req.ResourceID == "" || req.UserID == "" {
		return nil, toGRPCError(fmt.Errorf("%w: resource_id and user_id are required", types.ErrInvalidRequest))
	}
	next, err := s.machine.Select(ctx, req.ResourceID, req.UserID, req.SessionID)
	return respond(next, err)
}

func (s *Server) Hold(ctx context.Context, req *pb.BookingRequest) (*pb.BookingResponse, error) {
	c, err := toContext(req.Booking)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return respond(s.machine.Hold(ctx, c))
}

func (s *Server) Reserve(ctx context.Context, req *pb.ReserveRequest) (*pb.BookingResponse, error) {
	c, err := toContext(req.Booking)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return respond(s.machine.Reserve(ctx, c, req.PaymentRef))
}

func (s *Server) Pay(ctx context.Context, req *pb.BookingRequest) (*pb.BookingResponse, error) {
	c, err := toContext(req.Booking)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return respond(s.machine.Pay(ctx, c))
}

func (s *Server) Release(ctx context.Context, req *pb.BookingRequest) (*pb.BookingResponse, error) {
	c, err := toContext(req.Booking)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return respond(s.machine.Release(ctx, c))
}

func (s *Server) Timeout(ctx context.Context, req *pb.BookingRequest) (*pb.BookingResponse, error) {
	c, err := toContext(req.Booking)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return respond(s.machine.Timeout(ctx, c))
}

func (s *Server) Reconcile(ctx context.Context, req *pb.BookingRequest) (*pb.BookingResponse, error) {
	c, err := toContext(req.Booking)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return respond(s.machine.Reconcile(ctx, c))
}

func (s *Server) CanSelect(ctx context.Context, req *pb.CanSelectRequest) (*pb.CanSelectResponse, error) {
	if req.ResourceID == "" || req.UserID == "" {
		return nil, toGRPCError(fmt.Errorf("%w: resource_id and user_id are required", types.ErrInvalidRequest))
	}
	a, err := s.machine.CanSelect(ctx, req.ResourceID, fsm.OwnerToken(req.UserID, req.SessionID))
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &pb.CanSelectResponse{
		CanSelect:    a.CanSelect,
		Reason:       a.Reason,
		CurrentOwner: a.CurrentOwner,
		RetryAfterMs: a.RetryAfter.Milliseconds(),
	}, nil
}

func (s *Server) Status(ctx context.Context, req *pb.StatusRequest) (*pb.StatusResponse, error) {
	if req.ResourceID == "" {
		return nil, toGRPCError(fmt.Errorf("%w: resource_id is required", types.ErrInvalidRequest))
	}
	st, err := s.machine.Status(ctx, req.ResourceID)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &pb.StatusResponse{
		ResourceID:     st.ResourceID,
		Locked:         st.Locked,
		Owner:          st.Owner,
		Version:        st.Version,
		ExpiresAt:      st.ExpiresAt,
		RemainingTTLMs: st.RemainingTTL.Milliseconds(),
		Backend:        string(st.Backend),
	}, nil
}

func (s *Server) AcquireBatch(ctx context.Context, req *pb.AcquireBatchRequest) (*pb.AcquireBatchResponse, error) {
	if req.TTLMs <= 0 {
		return nil, toGRPCError(fmt.Errorf("%w: ttl_ms must be greater than 0", types.ErrInvalidTTL))
	}
	locks, err := s.selector.AcquireBatch(ctx, req.ResourceIDs, req.Owner, time.Duration(req.TTLMs)*time.Millisecond)
	if err != nil {
		return nil, toGRPCError(err)
	}

	resp := &pb.AcquireBatchResponse{Locks: make([]pb.Lock, 0, len(locks))}
	for _, l := range locks {
		resp.Locks = append(resp.Locks, pb.Lock{
			ResourceID: l.ResourceID,
			Version:    l.Version,
			Owner:      l.Owner,
			AcquiredAt: l.AcquiredAt,
			ExpiresAt:  l.ExpiresAt,
			Backend:    string(l.Backend),
		})
	}
	return resp, nil
}

func (s *Server) ReleaseBatch(ctx context.Context, req *pb.ReleaseBatchRequest) (*pb.Empty, error) {
	if err := s.selector.ReleaseBatch(ctx, req.ResourceIDs, req.Owner); err != nil {
		return nil, toGRPCError(err)
	}
	return &pb.Empty{}, nil
}

func (s *Server) ForceRelease(ctx context.Context, req *pb.ForceReleaseRequest) (*pb.ForceReleaseResponse, error) {
	existed, err := s.selector.ForceRelease(ctx, req.ResourceID, req.AdminToken)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &pb.ForceReleaseResponse{Existed: existed}, nil
}

func (s *Server) ResetMetrics(_ context.Context, req *pb.AdminRequest) (*pb.Empty, error) {
	if err := s.authorize(req.AdminToken); err != nil {
		return nil, toGRPCError(err)
	}
	s.metrics.Reset()
	s.logger.Info("metrics reset")
	return &pb.Empty{}, nil
}

func (s *Server) RunCompensatorOnce(ctx context.Context, req *pb.AdminRequest) (*pb.SweepResponse, error) {
	if err := s.authorize(req.AdminToken); err != nil {
		return nil, toGRPCError(err)
	}
	report, err := s.compensator.RunOnce(ctx)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &pb.SweepResponse{
		Scanned:        report.Scanned,
		Deleted:        report.Deleted,
		FallbackPurged: report.FallbackPurged,
		FallbackHeld:   report.FallbackHeld,
		DurationMs:     report.Duration.Milliseconds(),
	}, nil
}

func (s *Server) Circuit(context.Context, *pb.Empty) (*pb.CircuitResponse, error) {
	st := s.selector.Circuit()
	return &pb.CircuitResponse{
		Backend:             string(s.selector.CurrentBackend()),
		Phase:               string(st.Phase),
		ConsecutiveFailures: st.ConsecutiveFailures,
		OpenedAt:            st.OpenedAt,
		Reason:              st.Reason,
		UpdatedAt:           st.UpdatedAt,
		HealthScore:         s.metrics.HealthScoreValue(),
	}, nil
}

func (s *Server) Block(ctx context.Context, req *pb.AdminBookingRequest) (*pb.BookingResponse, error) {
	if err := s.authorize(req.AdminToken); err != nil {
		return nil, toGRPCError(err)
	}
	c, err := toContext(req.Booking)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return respond(s.machine.Block(ctx, c))
}

func (s *Server) Unblock(ctx context.Context, req *pb.AdminBookingRequest) (*pb.BookingResponse, error) {
	if err := s.authorize(req.AdminToken); err != nil {
		return nil, toGRPCError(err)
	}
	c, err := toContext(req.Booking)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return respond(s.machine.Unblock(ctx, c))
}

func (s *Server) authorize(token string) error {
	if s.adminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
		return types.ErrUnauthorized
	}
	return nil
}

func respond(c fsm.Context, err error) (*pb.BookingResponse, error) {
	if err != nil {
		return nil, toGRPCError(err)
	}
	return &pb.BookingResponse{Booking: fromContext(c)}, nil
}

func toContext(b pb.Booking) (fsm.Context, error) {
	if b.ResourceID == "" || b.UserID == "" {
		return fsm.Context{}, fmt.Errorf("%w: booking resource_id and user_id are required", types.ErrInvalidRequest)
	}
	state := fsm.State(b.State)
	if !slices.Contains(fsm.States, state) {
		return fsm.Context{}, fmt.Errorf("%w: unknown booking state %q", types.ErrInvalidRequest, b.State)
	}
	return fsm.Context{
		ResourceID:     b.ResourceID,
		VenueID:        b.VenueID,
		UserID:         b.UserID,
		SessionID:      b.SessionID,
		CurrentState:   state,
		Version:        b.Version,
		Backend:        types.BackendKind(b.Backend),
		LockAcquiredAt: b.LockAcquiredAt,
		LockExpiresAt:  b.LockExpiresAt,
		ReservedAt:     b.ReservedAt,
		PaymentRef:     b.PaymentRef,
		UpdatedAt:      b.UpdatedAt,
	}, nil
}

func fromContext(c fsm.Context) pb.Booking {
	return pb.Booking{
		ResourceID:     c.ResourceID,
		VenueID:        c.VenueID,
		UserID:         c.UserID,
		SessionID:      c.SessionID,
		State:          string(c.CurrentState),
		Version:        c.Version,
		Backend:        string(c.Backend),
		LockAcquiredAt: c.LockAcquiredAt,
		LockExpiresAt:  c.LockExpiresAt,
		ReservedAt:     c.ReservedAt,
		PaymentRef:     c.PaymentRef,
		UpdatedAt:      c.UpdatedAt,
	}
}
