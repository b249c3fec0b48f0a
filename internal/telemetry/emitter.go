// Package telemetry carries session lifecycle events to an OpenTelemetry log pipeline.
package telemetry

import (
	"context"
	"time"
)

// Event is one telemetry record about a session or channel.
type Event struct {
	EventType string
	OwnerID   string
	SessionID string
	Target    string
	Source    string
	// Metadata is an optional JSON document used as the record body.
	Metadata  []byte
	CreatedAt time.Time
}

// EventEmitter emits telemetry events (e.g. to OTel Logs). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *Event) error
}

// Multi fans an event out to every emitter and returns the first error after trying them all.
type Multi []EventEmitter

func (m Multi) Emit(ctx context.Context, event *Event) error {
	var first error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
