package audit

import (
	"context"
	"encoding/json"

	"remote-admin-gateway/internal/session/registry"
)

// SessionObserver records every session lifecycle transition as an audit log.
type SessionObserver struct {
	logger *Logger
}

// NewSessionObserver returns a registry.Observer that writes through logger asynchronously.
func NewSessionObserver(logger *Logger) *SessionObserver {
	return &SessionObserver{logger: logger}
}

type sessionMetadata struct {
	Target string `json:"target,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Observe implements registry.Observer. The registry event kinds are the audit action names.
func (o *SessionObserver) Observe(ev registry.Event) {
	meta := sessionMetadata{}
	if ev.Target.Host != "" {
		meta.Target = ev.Target.String()
	}
	if ev.Err != nil {
		meta.Error = ev.Err.Error()
	}
	var metadata string
	if meta != (sessionMetadata{}) {
		b, _ := json.Marshal(meta)
		metadata = string(b)
	}
	o.logger.LogEventAsync(context.Background(), ev.OwnerID, ev.SessionID, string(ev.Kind), "session", metadata)
}
