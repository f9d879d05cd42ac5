package server

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// logs every call at debug and server-side failures at warn
func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)

	switch code {
	case codes.Internal, codes.Unavailable, codes.Unknown:
		s.logger.Warn("call failed", "method", info.FullMethod, "code", code, "duration", time.Since(start), "error", err)
	default:
		s.logger.Debug("call", "method", info.FullMethod, "code", code, "duration", time.Since(start))
	}
	return resp, err
}
