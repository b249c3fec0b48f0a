package telemetry

import (
	"encoding/json"

	"remote-admin-gateway/internal/session/registry"
)

// SessionObserver forwards registry lifecycle events to an EventEmitter.
type SessionObserver struct {
	emitter EventEmitter
}

// NewSessionObserver returns a registry.Observer emitting through emitter.
func NewSessionObserver(emitter EventEmitter) *SessionObserver {
	return &SessionObserver{emitter: emitter}
}

func (o *SessionObserver) Observe(ev registry.Event) {
	event := &Event{
		EventType: string(ev.Kind),
		OwnerID:   ev.OwnerID,
		SessionID: ev.SessionID,
		Source:    "session_registry",
		CreatedAt: ev.At,
	}
	if ev.Target.Host != "" {
		event.Target = ev.Target.String()
	}
	if ev.Err != nil {
		event.Metadata, _ = json.Marshal(map[string]string{"error": ev.Err.Error()})
	}
	EmitAsync(o.emitter, event)
}
