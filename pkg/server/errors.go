package server

import (
	"context"
	"errors"
	"strings"

	pb "github.com/pixperk/seatlock/api/v1"
	"github.com/pixperk/seatlock/pkg/types"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/protoadapt"
	"google.golang.org/protobuf/types/known/durationpb"
)

// converts taxonomy errors to gRPC status errors
// the ErrorInfo reason lets clients map them back
func toGRPCError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var (
		conflict      *types.ConflictError
		batchConflict *types.BatchConflictError
		stale         *types.StaleLockError
	)

	switch {
	case errors.As(err, &conflict):
		info := errorInfo(pb.ReasonConflict, map[string]string{
			"resource_id": conflict.ResourceID,
			"owner":       conflict.Owner,
		})
		retry := &errdetails.RetryInfo{RetryDelay: durationpb.New(conflict.RetryAfter)}
		return withDetails(codes.Aborted, err, info, retry)

	case errors.As(err, &batchConflict):
		return withDetails(codes.Aborted, err, errorInfo(pb.ReasonBatchConflict, map[string]string{
			"conflicts": strings.Join(batchConflict.Conflicts, ","),
		}))

	case errors.As(err, &stale):
		return withDetails(codes.FailedPrecondition, err, errorInfo(pb.ReasonStaleLock, map[string]string{
			"resource_id": stale.ResourceID,
		}))

	case errors.Is(err, types.ErrConflict):
		return withDetails(codes.Aborted, err, errorInfo(pb.ReasonConflict, nil))

	case errors.Is(err, types.ErrInvalidTransition):
		return withDetails(codes.FailedPrecondition, err, errorInfo(pb.ReasonInvalidTransition, nil))

	case errors.Is(err, types.ErrLockLost):
		return withDetails(codes.FailedPrecondition, err, errorInfo(pb.ReasonLockLost, nil))

	case errors.Is(err, types.ErrNotOwner):
		return withDetails(codes.PermissionDenied, err, errorInfo(pb.ReasonNotOwner, nil))

	case errors.Is(err, types.ErrUnauthorized):
		return withDetails(codes.Unauthenticated, err, errorInfo(pb.ReasonUnauthorized, nil))

	case errors.Is(err, types.ErrBackendUnavailable):
		return withDetails(codes.Unavailable, err, errorInfo(pb.ReasonBackendUnavailable, nil))

	case errors.Is(err, types.ErrInvalidTTL),
		errors.Is(err, types.ErrInvalidRequest),
		errors.Is(err, types.ErrInvalidValue):
		return withDetails(codes.InvalidArgument, err, errorInfo(pb.ReasonInvalidArgument, nil))

	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())

	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func errorInfo(reason string, md map[string]string) *errdetails.ErrorInfo {
	return &errdetails.ErrorInfo{Reason: reason, Domain: pb.ErrorDomain, Metadata: md}
}

func withDetails(code codes.Code, err error, details ...protoadapt.MessageV1) error {
	st, detailErr := status.New(code, err.Error()).WithDetails(details...)
	if detailErr != nil {
		return status.Error(code, err.Error())
	}
	return st.Err()
}
