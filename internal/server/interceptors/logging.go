// Package interceptors holds the unary interceptors of the gateway's gRPC listener.
package interceptors

import (
	"context"
	"runtime/debug"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LoggingUnary logs one line per RPC. Methods in skipMethods (e.g. frequent health probes) are logged at trace level.
func LoggingUnary(skipMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		entry := log.WithFields(log.Fields{
			"method":      info.FullMethod,
			"code":        code.String(),
			"duration_ms": time.Since(start).Milliseconds(),
			"client_ip":   ClientIP(ctx),
		})
		switch {
		case skipMethods[info.FullMethod]:
			entry.Trace("grpc request")
		case code == codes.Internal || code == codes.Unknown:
			entry.WithError(err).Warn("grpc request")
		default:
			entry.Debug("grpc request")
		}
		return resp, err
	}
}

// RecoveryUnary turns a handler panic into codes.Internal.
func RecoveryUnary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(log.Fields{"method": info.FullMethod, "panic": r, "stack": string(debug.Stack())}).Error("grpc handler panicked")
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}
