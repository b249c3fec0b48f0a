// Package handler exposes the caller's live sessions over HTTP.
package handler

import (
	"net/http"
	"time"

	"remote-admin-gateway/internal/server/middleware"
	"remote-admin-gateway/internal/session/domain"
)

// Lister is satisfied by *registry.Registry.
type Lister interface {
	List(ownerID string) []domain.Session
}

// Handler serves GET /api/sessions.
type Handler struct {
	sessions Lister
}

func NewHandler(sessions Lister) *Handler {
	return &Handler{sessions: sessions}
}

type sessionView struct {
	ID             string        `json:"id"`
	Target         domain.Target `json:"target"`
	State          domain.State  `json:"state"`
	Bound          bool          `json:"bound"`
	CreatedAt      time.Time     `json:"createdAt"`
	LastActivityAt time.Time     `json:"lastActivityAt"`
	GraceDeadline  *time.Time    `json:"graceDeadline,omitempty"`
}

type listResponse struct {
	Sessions []sessionView `json:"sessions"`
}

// List returns the caller's sessions that are not yet closed or expired.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.GetOwnerID(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, domain.CodeAuthRequired, "missing or invalid authorization")
		return
	}
	out := []sessionView{}
	for _, s := range h.sessions.List(ownerID) {
		out = append(out, sessionView{
			ID:             s.ID,
			Target:         s.Target,
			State:          s.State,
			Bound:          s.Bound,
			CreatedAt:      s.CreatedAt,
			LastActivityAt: s.LastActivityAt,
			GraceDeadline:  s.GraceDeadline,
		})
	}
	middleware.WriteJSON(w, http.StatusOK, listResponse{Sessions: out})
}
