package server

import (
	"context"
	"path"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	api "github.com/oshokin/fabric-provisioner/internal/api/grpc/provisioning"
	"github.com/oshokin/fabric-provisioner/internal/logger"
	"github.com/oshokin/fabric-provisioner/internal/metrics"
)

// observeInterceptor names the request logger after the method, logs the
// caller and the outcome, and records RPC metrics.
func observeInterceptor(base context.Context, m *metrics.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		method := path.Base(info.FullMethod)
		actor := api.ActorFromIncoming(ctx)

		ctx = logger.ToContext(ctx, logger.FromContext(base))
		ctx = logger.WithKV(ctx, "method", method, "host", actor.Hostname, "user", actor.Username)

		resp, err := handler(ctx, req)

		code := status.Code(err)
		m.ObserveRPC(method, code.String(), start)

		if err != nil {
			logger.WarnKV(ctx, "RPC failed", "code", code.String(), "error", err, "duration", time.Since(start))
		} else {
			logger.DebugKV(ctx, "RPC finished", "duration", time.Since(start))
		}

		return resp, err
	}
}
