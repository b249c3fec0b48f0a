package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	connrepo "remote-admin-gateway/internal/connection/repository"
	"remote-admin-gateway/internal/connection/service"
	"remote-admin-gateway/internal/security"
	"remote-admin-gateway/internal/server/middleware"
	sessiondomain "remote-admin-gateway/internal/session/domain"
)

func newRouter(t *testing.T) (http.Handler, *service.ConnectionService) {
	t.Helper()
	vault, err := security.NewTestVault()
	if err != nil {
		t.Fatal(err)
	}
	svc := service.NewConnectionService(connrepo.NewMemoryRepository(), vault)
	r := chi.NewRouter()
	r.Route("/api/connections", NewHandler(svc).Routes)
	return r, svc
}

func do(h http.Handler, method, path, owner string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if owner != "" {
		req = req.WithContext(middleware.WithOwner(req.Context(), owner, "jti"))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestConnectionsAPI(t *testing.T) {
	h, svc := newRouter(t)
	ctx := context.Background()
	rec, err := svc.RecordAttempt(ctx, "alice", sessiondomain.Target{Host: "web1", Port: 22, Username: "deploy"}, "s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RecordAttempt(ctx, "bob", sessiondomain.Target{Host: "web2", Username: "root"}, "other"); err != nil {
		t.Fatal(err)
	}

	w := do(h, http.MethodGet, "/api/connections/", "alice")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var list listResponse
	json.NewDecoder(w.Body).Decode(&list)
	if len(list.Connections) != 1 || list.Connections[0].Host != "web1" || !list.Connections[0].HasPassword {
		t.Errorf("list = %+v", list)
	}

	w = do(h, http.MethodGet, "/api/connections/"+rec.ID+"/password", "alice")
	var pw passwordResponse
	json.NewDecoder(w.Body).Decode(&pw)
	if w.Code != http.StatusOK || pw.Password != "s3cret" {
		t.Errorf("password: %d %+v", w.Code, pw)
	}

	if w := do(h, http.MethodGet, "/api/connections/"+rec.ID+"/password", "bob"); w.Code != http.StatusNotFound {
		t.Errorf("foreign reveal status = %d", w.Code)
	}
	if w := do(h, http.MethodDelete, "/api/connections/"+rec.ID, "bob"); w.Code != http.StatusNotFound {
		t.Errorf("foreign delete status = %d", w.Code)
	}
	if w := do(h, http.MethodDelete, "/api/connections/"+rec.ID, "alice"); w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", w.Code)
	}
	if w := do(h, http.MethodDelete, "/api/connections/"+rec.ID, "alice"); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", w.Code)
	}
}

func TestPassword_NoneStored(t *testing.T) {
	h, svc := newRouter(t)
	rec, err := svc.RecordAttempt(context.Background(), "alice", sessiondomain.Target{Host: "h", Username: "u"}, "")
	if err != nil {
		t.Fatal(err)
	}
	w := do(h, http.MethodGet, "/api/connections/"+rec.ID+"/password", "alice")
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct{ Code string }
	json.NewDecoder(w.Body).Decode(&body)
	if body.Code != sessiondomain.CodeCredentialsGone {
		t.Errorf("code = %q", body.Code)
	}
}

func TestUnauthenticated(t *testing.T) {
	h, _ := newRouter(t)
	if w := do(h, http.MethodGet, "/api/connections/", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", w.Code)
	}
}
