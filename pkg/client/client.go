// Package client is a thin Go client for the seatlock.v1 services. Failed
// calls come back as the same error values the coordinator uses, so
// errors.Is(err, types.ErrConflict) works on both sides of the wire.
package client

import (
	"context"
	"fmt"
	"time"

	pb "github.com/pixperk/seatlock/api/v1"
	"github.com/pixperk/seatlock/pkg/fsm"
	"github.com/pixperk/seatlock/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type Option func(*Client)

// WithAdminToken sets the token sent with admin calls.
func WithAdminToken(token string) Option {
	return func(c *Client) { c.adminToken = token }
}

// WithSession scopes every booking to one session of the user.
func WithSession(sessionID string) Option {
	return func(c *Client) { c.sessionID = sessionID }
}

func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *Client) { c.dialOpts = append(c.dialOpts, opts...) }
}

type Client struct {
	addr       string
	userID     string
	sessionID  string
	adminToken string
	dialOpts   []grpc.DialOption

	conn    *grpc.ClientConn
	booking pb.BookingClient
	admin   pb.AdminClient
}

func NewClient(addr, userID string, opts ...Option) (*Client, error) {
	c := &Client{
		addr:     addr,
		userID:   userID,
		dialOpts: []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
	}
	for _, opt := range opts {
		opt(c)
	}

	conn, err := grpc.NewClient(addr, c.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	c.conn = conn
	c.booking = pb.NewBookingClient(conn)
	c.admin = pb.NewAdminClient(conn)
	return c, nil
}

// Owner is the lock owner token this client books under.
func (c *Client) Owner() string {
	return fsm.OwnerToken(c.userID, c.sessionID)
}

// Hold selects resourceID and takes its lock.
func (c *Client) Hold(ctx context.Context, resourceID string) (*Booking, error) {
	sel, err := c.booking.Select(ctx, &pb.SelectRequest{
		ResourceID: resourceID,
		UserID:     c.userID,
		SessionID:  c.sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", resourceID, fromGRPCError(err))
	}

	held, err := c.booking.Hold(ctx, &pb.BookingRequest{Booking: sel.Booking})
	if err != nil {
		// leave the selection, it holds nothing
		_, _ = c.booking.Release(ctx, &pb.BookingRequest{Booking: sel.Booking})
		return nil, fmt.Errorf("hold %s: %w", resourceID, fromGRPCError(err))
	}
	return &Booking{client: c, b: held.Booking}, nil
}

// Resume wraps a booking carried from an earlier call.
func (c *Client) Resume(b pb.Booking) *Booking {
	return &Booking{client: c, b: b}
}

type Availability struct {
	CanSelect    bool
	Reason       string
	CurrentOwner string
	RetryAfter   time.Duration
}

func (c *Client) CanSelect(ctx context.Context, resourceID string) (Availability, error) {
	resp, err := c.booking.CanSelect(ctx, &pb.CanSelectRequest{
		ResourceID: resourceID,
		UserID:     c.userID,
		SessionID:  c.sessionID,
	})
	if err != nil {
		return Availability{}, fromGRPCError(err)
	}
	return Availability{
		CanSelect:    resp.CanSelect,
		Reason:       resp.Reason,
		CurrentOwner: resp.CurrentOwner,
		RetryAfter:   time.Duration(resp.RetryAfterMs) * time.Millisecond,
	}, nil
}

func (c *Client) Status(ctx context.Context, resourceID string) (types.LockStatus, error) {
	resp, err := c.booking.Status(ctx, &pb.StatusRequest{ResourceID: resourceID})
	if err != nil {
		return types.LockStatus{}, fromGRPCError(err)
	}
	return types.LockStatus{
		ResourceID:   resp.ResourceID,
		Locked:       resp.Locked,
		Owner:        resp.Owner,
		Version:      resp.Version,
		ExpiresAt:    resp.ExpiresAt,
		RemainingTTL: time.Duration(resp.RemainingTTLMs) * time.Millisecond,
		Backend:      types.BackendKind(resp.Backend),
	}, nil
}

// AcquireBatch locks every resource or none of them.
func (c *Client) AcquireBatch(ctx context.Context, resourceIDs []string, ttl time.Duration) ([]types.Lock, error) {
	resp, err := c.booking.AcquireBatch(ctx, &pb.AcquireBatchRequest{
		ResourceIDs: resourceIDs,
		Owner:       c.Owner(),
		TTLMs:       ttl.Milliseconds(),
	})
	if err != nil {
		return nil, fromGRPCError(err)
	}

	locks := make([]types.Lock, 0, len(resp.Locks))
	for _, l := range resp.Locks {
		locks = append(locks, types.Lock{
			ResourceID: l.ResourceID,
			Version:    l.Version,
			Owner:      l.Owner,
			AcquiredAt: l.AcquiredAt,
			ExpiresAt:  l.ExpiresAt,
			Backend:    types.BackendKind(l.Backend),
		})
	}
	return locks, nil
}

func (c *Client) ReleaseBatch(ctx context.Context, resourceIDs []string) error {
	_, err := c.booking.ReleaseBatch(ctx, &pb.ReleaseBatchRequest{ResourceIDs: resourceIDs, Owner: c.Owner()})
	return fromGRPCError(err)
}

func (c *Client) ForceRelease(ctx context.Context, resourceID string) (bool, error) {
	resp, err := c.admin.ForceRelease(ctx, &pb.ForceReleaseRequest{ResourceID: resourceID, AdminToken: c.adminToken})
	if err != nil {
		return false, fromGRPCError(err)
	}
	return resp.Existed, nil
}

func (c *Client) ResetMetrics(ctx context.Context) error {
	_, err := c.admin.ResetMetrics(ctx, &pb.AdminRequest{AdminToken: c.adminToken})
	return fromGRPCError(err)
}

func (c *Client) RunCompensatorOnce(ctx context.Context) (*pb.SweepResponse, error) {
	resp, err := c.admin.RunCompensatorOnce(ctx, &pb.AdminRequest{AdminToken: c.adminToken})
	return resp, fromGRPCError(err)
}

func (c *Client) Circuit(ctx context.Context) (*pb.CircuitResponse, error) {
	resp, err := c.admin.Circuit(ctx, &pb.Empty{})
	return resp, fromGRPCError(err)
}

func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
