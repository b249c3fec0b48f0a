package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"remote-admin-gateway/internal/connection/domain"
	"remote-admin-gateway/internal/server/middleware"
	sessiondomain "remote-admin-gateway/internal/session/domain"
)

// Service is the subset of *service.ConnectionService the HTTP API needs.
type Service interface {
	List(ctx context.Context, ownerID string) ([]domain.Summary, error)
	RevealPassword(ctx context.Context, ownerID, id string) (string, error)
	Delete(ctx context.Context, ownerID, id string) error
}

// Handler serves the caller's stored connections. Every route requires middleware.RequireAuth.
type Handler struct {
	svc Service
}

// NewHandler returns a stored-connection HTTP handler.
func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// Routes mounts the handler under a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Get("/{id}/password", h.Password)
	r.Delete("/{id}", h.Delete)
}

type listResponse struct {
	Connections []domain.Summary `json:"connections"`
}

// List handles GET /api/connections.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	recs, err := h.svc.List(r.Context(), ownerID)
	if err != nil {
		writeServiceError(w, ownerID, err)
		return
	}
	if recs == nil {
		recs = []domain.Summary{}
	}
	middleware.WriteJSON(w, http.StatusOK, listResponse{Connections: recs})
}

type passwordResponse struct {
	ID       string `json:"id"`
	Password string `json:"password"`
}

// Password handles GET /api/connections/{id}/password and returns the decrypted secret.
func (h *Handler) Password(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	pw, err := h.svc.RevealPassword(r.Context(), ownerID, id)
	if err != nil {
		writeServiceError(w, ownerID, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, passwordResponse{ID: id, Password: pw})
}

// Delete handles DELETE /api/connections/{id}.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), ownerID, chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, ownerID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	ownerID, ok := middleware.GetOwnerID(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, sessiondomain.CodeAuthRequired, "missing or invalid authorization")
	}
	return ownerID, ok
}

func writeServiceError(w http.ResponseWriter, ownerID string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		middleware.WriteError(w, http.StatusNotFound, "not_found", "stored connection not found")
	case errors.Is(err, domain.ErrCredentialsUnavailable):
		middleware.WriteError(w, http.StatusConflict, sessiondomain.CodeCredentialsGone, "no stored password for this connection")
	case errors.Is(err, sessiondomain.ErrAuth):
		middleware.WriteError(w, http.StatusUnauthorized, sessiondomain.CodeAuthRequired, "missing or invalid authorization")
	default:
		log.WithField("owner", ownerID).WithError(err).Error("connection: request failed")
		middleware.WriteError(w, http.StatusInternalServerError, sessiondomain.CodeInternal, "internal error")
	}
}
