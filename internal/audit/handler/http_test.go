package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"remote-admin-gateway/internal/audit/domain"
	auditrepo "remote-admin-gateway/internal/audit/repository"
	"remote-admin-gateway/internal/server/middleware"
)

type failingRepo struct{}

func (failingRepo) Create(context.Context, *domain.AuditLog) error { return nil }
func (failingRepo) ListByOwner(context.Context, string, int32, int32) ([]*domain.AuditLog, error) {
	return nil, errors.New("database error")
}

func TestList_OwnerScopedAndPaginated(t *testing.T) {
	repo := auditrepo.NewMemoryRepository()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_ = repo.Create(ctx, &domain.AuditLog{ID: string(rune('a' + i)), OwnerID: "alice", Action: "session_started", CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	_ = repo.Create(ctx, &domain.AuditLog{ID: "z", OwnerID: "bob", Action: "session_started", CreatedAt: base})

	h := NewHandler(repo)
	r := httptest.NewRequest(http.MethodGet, "/api/audit?limit=2&offset=0", nil)
	r = r.WithContext(middleware.WithOwner(r.Context(), "alice", "jti"))
	w := httptest.NewRecorder()
	h.List(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp listResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Logs) != 2 {
		t.Fatalf("logs = %d, want 2", len(resp.Logs))
	}
	if resp.Logs[0].ID != "c" {
		t.Errorf("first log = %q, want newest (c)", resp.Logs[0].ID)
	}
	for _, l := range resp.Logs {
		if l.OwnerID != "alice" {
			t.Errorf("leaked log of %q", l.OwnerID)
		}
	}
}

func TestList_Unauthenticated(t *testing.T) {
	h := NewHandler(auditrepo.NewMemoryRepository())
	w := httptest.NewRecorder()
	h.List(w, httptest.NewRequest(http.MethodGet, "/api/audit", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestList_RepositoryError(t *testing.T) {
	h := NewHandler(failingRepo{})
	r := httptest.NewRequest(http.MethodGet, "/api/audit", nil)
	r = r.WithContext(middleware.WithOwner(r.Context(), "alice", "jti"))
	w := httptest.NewRecorder()
	h.List(w, r)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}
