package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	auditdomain "remote-admin-gateway/internal/audit/domain"
	conndomain "remote-admin-gateway/internal/connection/domain"
	"remote-admin-gateway/internal/session/domain"
)

// API calls the gateway's REST endpoints with a bearer token.
type API struct {
	BaseURL string
	Token   string
	// HTTP defaults to a client with a 30s timeout.
	HTTP *http.Client
}

// APIError is a non-2xx answer from the gateway.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway: %d %s: %s", e.Status, e.Code, e.Message)
}

// SessionInfo is one entry of GET /api/sessions.
type SessionInfo struct {
	ID             string        `json:"id"`
	Target         domain.Target `json:"target"`
	State          domain.State  `json:"state"`
	Bound          bool          `json:"bound"`
	CreatedAt      time.Time     `json:"createdAt"`
	LastActivityAt time.Time     `json:"lastActivityAt"`
	GraceDeadline  *time.Time    `json:"graceDeadline,omitempty"`
}

// ListConnections returns the caller's stored connections without secrets.
func (a *API) ListConnections(ctx context.Context) ([]conndomain.Summary, error) {
	var out struct {
		Connections []conndomain.Summary `json:"connections"`
	}
	err := a.do(ctx, http.MethodGet, "/api/connections", &out)
	return out.Connections, err
}

// RevealPassword returns the decrypted password of a stored connection.
func (a *API) RevealPassword(ctx context.Context, id string) (string, error) {
	var out struct {
		Password string `json:"password"`
	}
	err := a.do(ctx, http.MethodGet, "/api/connections/"+url.PathEscape(id)+"/password", &out)
	return out.Password, err
}

// ForgetConnection deletes a stored connection.
func (a *API) ForgetConnection(ctx context.Context, id string) error {
	return a.do(ctx, http.MethodDelete, "/api/connections/"+url.PathEscape(id), nil)
}

// ListSessions returns the caller's live sessions.
func (a *API) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	var out struct {
		Sessions []SessionInfo `json:"sessions"`
	}
	err := a.do(ctx, http.MethodGet, "/api/sessions", &out)
	return out.Sessions, err
}

// ListAudit returns one page of the caller's audit log, newest first.
func (a *API) ListAudit(ctx context.Context, limit, offset int) ([]*auditdomain.AuditLog, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	var out struct {
		Logs []*auditdomain.AuditLog `json:"logs"`
	}
	err := a.do(ctx, http.MethodGet, "/api/audit?"+q.Encode(), &out)
	return out.Logs, err
}

func (a *API) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(a.BaseURL, "/")+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.Token)
	req.Header.Set("Accept", "application/json")
	hc := a.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Status: resp.StatusCode}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(body, apiErr) != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
			apiErr.Message = strings.TrimSpace(string(body))
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %v", ErrUnauthorized, apiErr)
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
