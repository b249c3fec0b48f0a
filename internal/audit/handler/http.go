package handler

import (
	"net/http"
	"strconv"

	log "github.com/sirupsen/logrus"

	"remote-admin-gateway/internal/audit/domain"
	auditrepo "remote-admin-gateway/internal/audit/repository"
	"remote-admin-gateway/internal/server/middleware"
	sessiondomain "remote-admin-gateway/internal/session/domain"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Handler serves the caller's own audit trail over HTTP.
type Handler struct {
	repo auditrepo.Repository
}

// NewHandler returns an audit HTTP handler backed by repo.
func NewHandler(repo auditrepo.Repository) *Handler {
	return &Handler{repo: repo}
}

type listResponse struct {
	Logs   []*domain.AuditLog `json:"logs"`
	Limit  int32              `json:"limit"`
	Offset int32              `json:"offset"`
}

// List handles GET /api/audit?limit=&offset=. Requires middleware.RequireAuth.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := middleware.GetOwnerID(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, sessiondomain.CodeAuthRequired, "missing or invalid authorization")
		return
	}
	limit := queryInt32(r, "limit", defaultPageSize)
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	offset := queryInt32(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	logs, err := h.repo.ListByOwner(r.Context(), ownerID, limit, offset)
	if err != nil {
		log.WithError(err).WithField("owner", ownerID).Error("audit: list failed")
		middleware.WriteError(w, http.StatusInternalServerError, sessiondomain.CodeInternal, "could not list audit logs")
		return
	}
	if logs == nil {
		logs = []*domain.AuditLog{}
	}
	middleware.WriteJSON(w, http.StatusOK, listResponse{Logs: logs, Limit: limit, Offset: offset})
}

func queryInt32(r *http.Request, key string, fallback int32) int32 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return fallback
	}
	return int32(n)
}
