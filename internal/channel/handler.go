package channel

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"remote-admin-gateway/internal/server/middleware"
	"remote-admin-gateway/internal/session/domain"
)

// Authenticator resolves the owner of an upgrade request. *middleware.Authenticator satisfies it.
type Authenticator interface {
	Identify(r *http.Request) (middleware.Identity, error)
}

// HandlerConfig configures the upgrade endpoint.
type HandlerConfig struct {
	// AllowedOrigins lists origins accepted on upgrade. Empty means same-origin only.
	AllowedOrigins []string
	Transport      TransportConfig
}

// Handler upgrades authenticated requests to a WebSocket channel served by a Mux.
type Handler struct {
	mux      *Mux
	auth     Authenticator
	cfg      HandlerConfig
	upgrader websocket.Upgrader
}

// NewHandler returns the /ws endpoint.
func NewHandler(mux *Mux, auth Authenticator, cfg HandlerConfig) *Handler {
	h := &Handler{mux: mux, auth: auth, cfg: cfg}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if len(cfg.AllowedOrigins) > 0 {
		allowed := make(map[string]bool, len(cfg.AllowedOrigins))
		for _, o := range cfg.AllowedOrigins {
			allowed[o] = true
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		}
	}
	return h
}

// ServeHTTP authenticates before upgrading, so a rejected request never touches a session.
// It blocks for the life of the channel.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := h.auth.Identify(r)
	if err != nil {
		middleware.WriteError(w, http.StatusUnauthorized, domain.CodeAuthRequired, "missing or invalid authorization")
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithField("owner", id.OwnerID).WithError(err).Info("channel: upgrade failed")
		return
	}

	ctx := context.WithoutCancel(r.Context())
	ctx = middleware.WithOwner(ctx, id.OwnerID, id.TokenID)
	ctx = middleware.WithClientIP(ctx, middleware.ClientIP(r))

	t := newWSTransport(ws, h.cfg.Transport)
	ch := h.mux.OpenUntil(ctx, id.OwnerID, id.ExpiresAt, t)
	logger := log.WithFields(log.Fields{"owner": id.OwnerID, "transport": t.ID()})
	logger.Info("channel: opened")

	t.readLoop(ch.Dispatch)
	ch.Close()
	logger.Info("channel: closed")
}
