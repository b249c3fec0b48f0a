package registry

import (
	"time"

	"remote-admin-gateway/internal/session/domain"
)

// EventKind names a session lifecycle transition.
type EventKind string

const (
	EventStarted        EventKind = "session_started"
	EventDialFailed     EventKind = "session_dial_failed"
	EventResumed        EventKind = "session_resumed"
	EventResumeRejected EventKind = "session_resume_rejected"
	EventGrace          EventKind = "session_grace"
	EventExpired        EventKind = "session_expired"
	EventEnded          EventKind = "session_ended"
	EventRemoteClosed   EventKind = "session_remote_closed"
)

// Event is published after every transition, outside any registry lock.
type Event struct {
	Kind      EventKind
	SessionID string
	OwnerID   string
	Target    domain.Target
	At        time.Time
	// Err is set for EventDialFailed and EventResumeRejected.
	Err error
}

// Observer receives lifecycle events. Observe must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }
