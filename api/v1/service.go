package seatlockv1

import (
	"context"

	"google.golang.org/grpc"
)

const (
	BookingServiceName = "seatlock.v1.Booking"
	AdminServiceName   = "seatlock.v1.Admin"
)

// ErrorInfo reasons attached to failed calls.
const (
	ErrorDomain = "seatlock.v1"

	ReasonConflict           = "CONFLICT"
	ReasonBatchConflict      = "BATCH_CONFLICT"
	ReasonStaleLock          = "STALE_LOCK"
	ReasonInvalidTransition  = "INVALID_TRANSITION"
	ReasonLockLost           = "LOCK_LOST"
	ReasonNotOwner           = "NOT_OWNER"
	ReasonUnauthorized       = "UNAUTHORIZED"
	ReasonBackendUnavailable = "BACKEND_UNAVAILABLE"
	ReasonInvalidArgument    = "INVALID_ARGUMENT"
)

type BookingServer interface {
	Select(context.Context, *SelectRequest) (*BookingResponse, error)
	Hold(context.Context, *BookingRequest) (*BookingResponse, error)
	Reserve(context.Context, *ReserveRequest) (*BookingResponse, error)
	Pay(context.Context, *BookingRequest) (*BookingResponse, error)
	Release(context.Context, *BookingRequest) (*BookingResponse, error)
	Timeout(context.Context, *BookingRequest) (*BookingResponse, error)
	Reconcile(context.Context, *BookingRequest) (*BookingResponse, error)
	CanSelect(context.Context, *CanSelectRequest) (*CanSelectResponse, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
	AcquireBatch(context.Context, *AcquireBatchRequest) (*AcquireBatchResponse, error)
	ReleaseBatch(context.Context, *ReleaseBatchRequest) (*Empty, error)
}

type AdminServer interface {
	ForceRelease(context.Context, *ForceReleaseRequest) (*ForceReleaseResponse, error)
	ResetMetrics(context.Context, *AdminRequest) (*Empty, error)
	RunCompensatorOnce(context.Context, *AdminRequest) (*SweepResponse, error)
	Circuit(context.Context, *Empty) (*CircuitResponse, error)
	Block(context.Context, *AdminBookingRequest) (*BookingResponse, error)
	Unblock(context.Context, *AdminBookingRequest) (*BookingResponse, error)
}

// unary builds a method handler that decodes Req and dispatches to call
// through the server's interceptor chain.
func unary[S any, Req any, Resp any](service, method string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var BookingServiceDesc = grpc.ServiceDesc{
	ServiceName: BookingServiceName,
	HandlerType: (*BookingServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(BookingServiceName, "Select", BookingServer.Select),
		unary(BookingServiceName, "Hold", BookingServer.Hold),
		unary(BookingServiceName, "Reserve", BookingServer.Reserve),
		unary(BookingServiceName, "Pay", BookingServer.Pay),
		unary(BookingServiceName, "Release", BookingServer.Release),
		unary(BookingServiceName, "Timeout", BookingServer.Timeout),
		unary(BookingServiceName, "Reconcile", BookingServer.Reconcile),
		unary(BookingServiceName, "CanSelect", BookingServer.CanSelect),
		unary(BookingServiceName, "Status", BookingServer.Status),
		unary(BookingServiceName, "AcquireBatch", BookingServer.AcquireBatch),
		unary(BookingServiceName, "ReleaseBatch", BookingServer.ReleaseBatch),
	},
	Metadata: "seatlock/v1/booking",
}

var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(AdminServiceName, "ForceRelease", AdminServer.ForceRelease),
		unary(AdminServiceName, "ResetMetrics", AdminServer.ResetMetrics),
		unary(AdminServiceName, "RunCompensatorOnce", AdminServer.RunCompensatorOnce),
		unary(AdminServiceName, "Circuit", AdminServer.Circuit),
		unary(AdminServiceName, "Block", AdminServer.Block),
		unary(AdminServiceName, "Unblock", AdminServer.Unblock),
	},
	Metadata: "seatlock/v1/admin",
}

func RegisterBookingServer(s grpc.ServiceRegistrar, srv BookingServer) {
	s.RegisterService(&BookingServiceDesc, srv)
}

func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&AdminServiceDesc, srv)
}

type BookingClient interface {
	Select(ctx context.Context, in *SelectRequest, opts ...grpc.CallOption) (*BookingResponse, error)
	Hold(ctx context.Context, in *BookingRequest, opts ...grpc.CallOption) (*BookingResponse, error)
	Reserve(ctx context.Context, in *ReserveRequest, opts ...grpc.CallOption) (*BookingResponse, error)
	Pay(ctx context.Context, in *BookingRequest, opts ...grpc.CallOption) (*BookingResponse, error)
	Release(ctx context.Context, in *BookingRequest, opts ...grpc.CallOption) (*BookingResponse, error)
	Timeout(ctx context.Context, in *BookingRequest, opts ...grpc.CallOption) (*BookingResponse, error)
	Reconcile(ctx context.Context, in *BookingRequest, opts ...grpc.CallOption) (*BookingResponse, error)
	CanSelect(ctx context.Context, in *CanSelectRequest, opts ...grpc.CallOption) (*CanSelectResponse, error)
	Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error)
	AcquireBatch(ctx context.Context, in *AcquireBatchRequest, opts ...grpc.CallOption) (*AcquireBatchResponse, error)
	ReleaseBatch(ctx context.Context, in *ReleaseBatchRequest, opts ...grpc.CallOption) (*Empty, error)
}

type AdminClient interface {
	ForceRelease(ctx context.Context, in *ForceReleaseRequest, opts ...grpc.CallOption) (*ForceReleaseResponse, error)
	ResetMetrics(ctx context.Context, in *AdminRequest, opts ...grpc.CallOption) (*Empty, error)
	RunCompensatorOnce(ctx context.Context, in *AdminRequest, opts ...grpc.CallOption) (*SweepResponse, error)
	Circuit(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*CircuitResponse, error)
	Block(ctx context.Context, in *AdminBookingRequest, opts ...grpc.CallOption) (*BookingResponse, error)
	Unblock(ctx context.Context, in *AdminBookingRequest, opts ...grpc.CallOption) (*BookingResponse, error)
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, service, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, "/"+service+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

type bookingClient struct {
	cc grpc.ClientConnInterface
}

func NewBookingClient(cc grpc.ClientConnInterface) BookingClient {
	return &bookingClient{cc: cc}
}

func (c *bookingClient) Select(ctx context.Context, in *SelectRequest, opts ...grpc.CallOption) (*BookingResponse, error) {
	return invoke[BookingResponse](ctx, c.cc, BookingServiceName, "Select", in, opts)
}

func (c *bookingClient) Hold(ctx context.Context, in *BookingRequest, opts ...grpc.CallOption) (*BookingResponse, error) {
	return invoke[BookingResponse](ctx, c.cc, BookingServiceName, "Hold", in, opts)
}

func (c *bookingClient) Reserve(ctx context.Context, in *ReserveRequest, opts ...grpc.CallOption) (*BookingResponse, error) {
	return invoke[BookingResponse](ctx, c.cc, BookingServiceName, "Reserve", in, opts)
}

func (c *bookingClient) Pay(ctx context.Context, in *BookingRequest, opts ...grpc.CallOption) (*BookingResponse, error) {
	return invoke[BookingResponse](ctx, c.cc, BookingServiceName, "Pay", in, opts)
}

func (c *bookingClient) Release(ctx context.Context, in *BookingRequest, opts ...grpc.CallOption) (*BookingResponse, error) {
	return invoke[BookingResponse](ctx, c.cc, BookingServiceName, "Release", in, opts)
}

func (c *bookingClient) Timeout(ctx context.Context, in *BookingRequest, opts ...grpc.CallOption) (*BookingResponse, error) {
	return invoke[BookingResponse](ctx, c.cc, BookingServiceName, "Timeout", in, opts)
}

func (c *bookingClient) Reconcile(ctx context.Context, in *BookingRequest, opts ...grpc.CallOption) (*BookingResponse, error) {
	return invoke[BookingResponse](ctx, c.cc, BookingServiceName, "Reconcile", in, opts)
}

func (c *bookingClient) CanSelect(ctx context.Context, in *CanSelectRequest, opts ...grpc.CallOption) (*CanSelectResponse, error) {
	return invoke[CanSelectResponse](ctx, c.cc, BookingServiceName, "CanSelect", in, opts)
}

func (c *bookingClient) Status(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c.cc, BookingServiceName, "Status", in, opts)
}

func (c *bookingClient) AcquireBatch(ctx context.Context, in *AcquireBatchRequest, opts ...grpc.CallOption) (*AcquireBatchResponse, error) {
	return invoke[AcquireBatchResponse](ctx, c.cc, BookingServiceName, "AcquireBatch", in, opts)
}

func (c *bookingClient) ReleaseBatch(ctx context.Context, in *ReleaseBatchRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, BookingServiceName, "ReleaseBatch", in, opts)
}

type adminClient struct {
	cc grpc.ClientConnInterface
}

func NewAdminClient(cc grpc.ClientConnInterface) AdminClient {
	return &adminClient{cc: cc}
}

func (c *adminClient) ForceRelease(ctx context.Context, in *ForceReleaseRequest, opts ...grpc.CallOption) (*ForceReleaseResponse, error) {
	return invoke[ForceReleaseResponse](ctx, c.cc, AdminServiceName, "ForceRelease", in, opts)
}

func (c *adminClient) ResetMetrics(ctx context.Context, in *AdminRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, AdminServiceName, "ResetMetrics", in, opts)
}

func (c *adminClient) RunCompensatorOnce(ctx context.Context, in *AdminRequest, opts ...grpc.CallOption) (*SweepResponse, error) {
	return invoke[SweepResponse](ctx, c.cc, AdminServiceName, "RunCompensatorOnce", in, opts)
}

func (c *adminClient) Circuit(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*CircuitResponse, error) {
	return invoke[CircuitResponse](ctx, c.cc, AdminServiceName, "Circuit", in, opts)
}

func (c *adminClient) Block(ctx context.Context, in *AdminBookingRequest, opts ...grpc.CallOption) (*BookingResponse, error) {
	return invoke[BookingResponse](ctx, c.cc, AdminServiceName, "Block", in, opts)
}

func (c *adminClient) Unblock(ctx context.Context, in *AdminBookingRequest, opts ...grpc.CallOption) (*BookingResponse, error) {
	return invoke[BookingResponse](ctx, c.cc, AdminServiceName, "Unblock", in, opts)
}
