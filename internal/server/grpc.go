package server

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	healthhandler "remote-admin-gateway/internal/health/handler"
	"remote-admin-gateway/internal/server/interceptors"
)

const healthCheckMethod = "/grpc.health.v1.Health/Check"

// NewGRPCServer returns the gRPC listener's server with the health service registered.
// RPCs are traced through otelgrpc using the global providers.
func NewGRPCServer(health *healthhandler.Server) *grpc.Server {
	s := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.RecoveryUnary(),
			interceptors.LoggingUnary(map[string]bool{healthCheckMethod: true}),
		),
	)
	health.Register(s)
	return s
}
