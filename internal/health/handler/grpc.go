// Package handler reports gateway readiness over the standard gRPC health protocol and /healthz.
package handler

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"remote-admin-gateway/internal/server/middleware"
)

// ServiceName is the gRPC health service name reported alongside the overall ("") status.
const ServiceName = "gateway"

// Pinger checks database reachability. *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker checks that the command policy evaluates. *engine.OPAAuthorizer satisfies it.
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server tracks readiness and publishes it to a grpc health server.
type Server struct {
	pinger Pinger
	policy PolicyChecker
	hs     *health.Server
}

// NewServer returns a readiness server. Nil checkers are skipped.
func NewServer(pinger Pinger, policy PolicyChecker) *Server {
	return &Server{pinger: pinger, policy: policy, hs: health.NewServer()}
}

// Register installs grpc.health.v1.Health on s.
func (s *Server) Register(g grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(g, s.hs)
}

// Check runs every readiness check and returns the result per component.
func (s *Server) Check(ctx context.Context) map[string]error {
	out := map[string]error{}
	if s.pinger != nil {
		out["database"] = s.pinger.PingContext(ctx)
	}
	if s.policy != nil {
		out["policy"] = s.policy.HealthCheck(ctx)
	}
	return out
}

// Refresh runs the checks and updates the published serving status.
func (s *Server) Refresh(ctx context.Context) bool {
	ok := true
	for name, err := range s.Check(ctx) {
		if err != nil {
			ok = false
			log.WithField("check", name).WithError(err).Warn("health: check failed")
		}
	}
	status := healthpb.HealthCheckResponse_SERVING
	if !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.hs.SetServingStatus("", status)
	s.hs.SetServingStatus(ServiceName, status)
	return ok
}

// Run refreshes every interval until ctx is done.
func (s *Server) Run(ctx context.Context, interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		s.refreshWithTimeout(ctx, interval)
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

func (s *Server) refreshWithTimeout(ctx context.Context, d time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	s.Refresh(ctx)
}

// Shutdown marks every service NOT_SERVING so load balancers drain before the listener stops.
func (s *Server) Shutdown() {
	s.hs.Shutdown()
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// ServeHTTP handles GET /healthz: 200 when every check passes, 503 otherwise.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := healthResponse{Status: "ok", Checks: map[string]string{}}
	code := http.StatusOK
	for name, err := range s.Check(ctx) {
		if err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "unavailable"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	middleware.WriteJSON(w, code, resp)
}
