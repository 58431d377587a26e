package remote

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// NewServer builds a gRPC server exposing svc together with the standard health service.
func NewServer(svc AutoencoderServer, maxMessageBytes int, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	if maxMessageBytes <= 0 {
		maxMessageBytes = DefaultMaxMessageBytes
	}

	opts = append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMessageBytes),
		grpc.MaxSendMsgSize(maxMessageBytes),
		grpc.ChainUnaryInterceptor(recoverUnary),
	}, opts...)

	s := grpc.NewServer(opts...)
	Register(s, svc)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)

	return s, hs
}

// recoverUnary turns a handler panic into an Internal status so one bad request
// cannot take the server down.
func recoverUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Handler panicked", "method", info.FullMethod, "panic", r)
			err = status.Errorf(codes.Internal, "%s: panic: %v", info.FullMethod, r)
		}
	}()
	return handler(ctx, req)
}
