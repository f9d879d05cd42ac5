package client

import (
	"context"
	"fmt"

	pb "github.com/pixperk/seatlock/api/v1"
	"google.golang.org/grpc"
)

// Booking is a handle on one booking. Each step replaces the carried
// state only when the server accepts it.
type Booking struct {
	client *Client
	b      pb.Booking
}

// Token is the fencing token of the current hold, zero when none.
func (b *Booking) Token() uint64 {
	return b.b.Version
}

func (b *Booking) State() string {
	return b.b.State
}

func (b *Booking) Proto() pb.Booking {
	return b.b
}

func (b *Booking) Reserve(ctx context.Context, paymentRef string) error {
	resp, err := b.client.booking.Reserve(ctx, &pb.ReserveRequest{Booking: b.b, PaymentRef: paymentRef})
	return b.apply(resp, err, "reserve")
}

func (b *Booking) Pay(ctx context.Context) error {
	return b.step(ctx, "pay", b.client.booking.Pay)
}

func (b *Booking) Release(ctx context.Context) error {
	return b.step(ctx, "release", b.client.booking.Release)
}

func (b *Booking) Timeout(ctx context.Context) error {
	return b.step(ctx, "timeout", b.client.booking.Timeout)
}

// Reconcile adopts what the lock backends say about this booking.
func (b *Booking) Reconcile(ctx context.Context) error {
	return b.step(ctx, "reconcile", b.client.booking.Reconcile)
}

type bookingCall func(context.Context, *pb.BookingRequest, ...grpc.CallOption) (*pb.BookingResponse, error)

func (b *Booking) step(ctx context.Context, name string, call bookingCall) error {
	resp, err := call(ctx, &pb.BookingRequest{Booking: b.b})
	return b.apply(resp, err, name)
}

func (b *Booking) apply(resp *pb.BookingResponse, err error, name string) error {
	if err != nil {
		return fmt.Errorf("%s %s: %w", name, b.b.ResourceID, fromGRPCError(err))
	}
	b.b = resp.Booking
	return nil
}
