// Package server wires the gateway's HTTP and gRPC surfaces.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	audithandler "remote-admin-gateway/internal/audit/handler"
	connhandler "remote-admin-gateway/internal/connection/handler"
	"remote-admin-gateway/internal/server/middleware"
	sessionhandler "remote-admin-gateway/internal/session/handler"
)

// Deps holds the handlers mounted by NewRouter. Auth, Channel, and Health are required;
// the API handlers are mounted only when set.
type Deps struct {
	Auth        *middleware.Authenticator
	Channel     http.Handler
	Health      http.Handler
	Connections *connhandler.Handler
	Sessions    *sessionhandler.Handler
	Audit       *audithandler.Handler
}

// NewRouter returns the HTTP handler:
//
//	GET    /healthz
//	GET    /ws
//	GET    /api/connections
//	GET    /api/connections/{id}/password
//	DELETE /api/connections/{id}
//	GET    /api/sessions
//	GET    /api/audit
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.ClientIPMiddleware)
	r.Use(middleware.RequestLogger)
	r.Use(chimw.Recoverer)

	r.Method(http.MethodGet, "/healthz", d.Health)
	// The channel handler authenticates before upgrading and writes its own 401.
	r.Method(http.MethodGet, "/ws", d.Channel)

	r.Route("/api", func(r chi.Router) {
		r.Use(d.Auth.RequireAuth)
		r.Use(chimw.NoCache)
		if d.Connections != nil {
			r.Route("/connections", d.Connections.Routes)
		}
		if d.Sessions != nil {
			r.Get("/sessions", d.Sessions.List)
		}
		if d.Audit != nil {
			r.Get("/audit", d.Audit.List)
		}
	})
	return r
}
