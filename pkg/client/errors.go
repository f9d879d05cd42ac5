package client

import (
	"fmt"
	"strings"

	pb "github.com/pixperk/seatlock/api/v1"
	"github.com/pixperk/seatlock/pkg/types"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/status"
)

// maps a gRPC status back onto the error taxonomy
// statuses without seatlock details are returned as they are
func fromGRPCError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

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
	if info == nil || info.Domain != pb.ErrorDomain {
		return err
	}

	md := info.GetMetadata()
	switch info.Reason {
	case pb.ReasonConflict:
		ce := &types.ConflictError{ResourceID: md["resource_id"], Owner: md["owner"]}
		if retry != nil {
			ce.RetryAfter = retry.GetRetryDelay().AsDuration()
		}
		return ce
	case pb.ReasonBatchConflict:
		var conflicts []string
		if s := md["conflicts"]; s != "" {
			conflicts = strings.Split(s, ",")
		}
		return &types.BatchConflictError{Conflicts: conflicts}
	case pb.ReasonStaleLock:
		return fmt.Errorf("%w: %s", types.ErrStaleLock, st.Message())
	case pb.ReasonInvalidTransition:
		return fmt.Errorf("%w: %s", types.ErrInvalidTransition, st.Message())
	case pb.ReasonLockLost:
		return fmt.Errorf("%w: %s", types.ErrLockLost, st.Message())
	case pb.ReasonNotOwner:
		return fmt.Errorf("%w: %s", types.ErrNotOwner, st.Message())
	case pb.ReasonUnauthorized:
		return types.ErrUnauthorized
	case pb.ReasonBackendUnavailable:
		return fmt.Errorf("%w: %s", types.ErrBackendUnavailable, st.Message())
	case pb.ReasonInvalidArgument:
		return fmt.Errorf("%w: %s", types.ErrInvalidRequest, st.Message())
	default:
		return err
	}
}
