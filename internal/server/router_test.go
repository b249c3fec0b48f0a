package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	audithandler "remote-admin-gateway/internal/audit/handler"
	auditrepo "remote-admin-gateway/internal/audit/repository"
	connhandler "remote-admin-gateway/internal/connection/handler"
	connrepo "remote-admin-gateway/internal/connection/repository"
	connservice "remote-admin-gateway/internal/connection/service"
	healthhandler "remote-admin-gateway/internal/health/handler"
	"remote-admin-gateway/internal/security"
	"remote-admin-gateway/internal/server/middleware"
	"remote-admin-gateway/internal/session/domain"
	sessionhandler "remote-admin-gateway/internal/session/handler"
)

type noSessions struct{}

func (noSessions) List(string) []domain.Session { return nil }

func newTestRouter(t *testing.T) (http.Handler, string) {
	t.Helper()
	tokens, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatal(err)
	}
	vault, err := security.NewTestVault()
	if err != nil {
		t.Fatal(err)
	}
	tok, _, _, err := tokens.IssueAccess("alice")
	if err != nil {
		t.Fatal(err)
	}
	channel := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })
	h := NewRouter(Deps{
		Auth:        middleware.NewAuthenticator(tokens, "auth_token"),
		Channel:     channel,
		Health:      healthhandler.NewServer(nil, nil),
		Connections: connhandler.NewHandler(connservice.NewConnectionService(connrepo.NewMemoryRepository(), vault)),
		Sessions:    sessionhandler.NewHandler(noSessions{}),
		Audit:       audithandler.NewHandler(auditrepo.NewMemoryRepository()),
	})
	return h, tok
}

func TestRouter(t *testing.T) {
	h, tok := newTestRouter(t)
	testCases := []struct {
		name   string
		method string
		path   string
		auth   bool
		want   int
	}{
		{"health is public", http.MethodGet, "/healthz", false, http.StatusOK},
		{"ws reaches the channel handler", http.MethodGet, "/ws", false, http.StatusTeapot},
		{"sessions require auth", http.MethodGet, "/api/sessions", false, http.StatusUnauthorized},
		{"sessions", http.MethodGet, "/api/sessions", true, http.StatusOK},
		{"connections", http.MethodGet, "/api/connections", true, http.StatusOK},
		{"unknown connection", http.MethodDelete, "/api/connections/nope", true, http.StatusNotFound},
		{"audit", http.MethodGet, "/api/audit", true, http.StatusOK},
		{"wrong method", http.MethodPost, "/api/sessions", true, http.StatusMethodNotAllowed},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.auth {
				r.Header.Set("Authorization", "Bearer "+tok)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tc.want, w.Body.String())
			}
		})
	}
}
