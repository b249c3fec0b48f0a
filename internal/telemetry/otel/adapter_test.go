package otel

import (
	"context"
	"testing"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"remote-admin-gateway/internal/telemetry"
)

// recordCapture stores the last Record passed to Emit.
type recordCapture struct {
	rec   otellog.Record
	count int
}

func (r *recordCapture) Emit(_ context.Context, rec otellog.Record) {
	r.rec = rec
	r.count++
}

func attrsOf(rec otellog.Record) map[string]string {
	attrs := make(map[string]string)
	rec.WalkAttributes(func(kv otellog.KeyValue) bool {
		attrs[kv.Key] = kv.Value.AsString()
		return true
	})
	return attrs
}

func TestNewEventEmitter_NilProvider_ReturnsNoop(t *testing.T) {
	em := NewEventEmitter(nil)
	if err := em.Emit(context.Background(), &telemetry.Event{EventType: "session_started"}); err != nil {
		t.Errorf("noop Emit: %v", err)
	}
	if err := NewEventEmitterWithLogger(nil).Emit(context.Background(), nil); err != nil {
		t.Errorf("noop Emit(nil): %v", err)
	}
}

func TestEmit_RealProvider(t *testing.T) {
	provider := sdklog.NewLoggerProvider()
	defer func() { _ = provider.Shutdown(context.Background()) }()
	em := NewEventEmitter(provider)
	if err := em.Emit(context.Background(), nil); err != nil {
		t.Errorf("Emit(nil): %v", err)
	}
	if err := em.Emit(context.Background(), &telemetry.Event{EventType: "session_ended", OwnerID: "u1"}); err != nil {
		t.Errorf("Emit: %v", err)
	}
}

func TestEmit_AttributeAndBodyMapping(t *testing.T) {
	cap := &recordCapture{}
	em := NewEventEmitterWithLogger(cap)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	event := &telemetry.Event{
		EventType: "session_started",
		OwnerID:   "user-1",
		SessionID: "sess-1",
		Target:    "root@db1:22",
		Source:    "registry",
		Metadata:  []byte(`{"target":"root@db1:22"}`),
		CreatedAt: at,
	}
	if err := em.Emit(context.Background(), event); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	rec := cap.rec
	if got := string(rec.Body().AsBytes()); got != `{"target":"root@db1:22"}` {
		t.Errorf("body = %q", got)
	}
	if !rec.Timestamp().Equal(at) {
		t.Errorf("timestamp = %v, want %v", rec.Timestamp(), at)
	}
	want := map[string]string{
		"owner_id": "user-1", "session_id": "sess-1", "target": "root@db1:22",
		"event_type": "session_started", "source": "registry",
	}
	attrs := attrsOf(rec)
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("attr %q = %q, want %q", k, attrs[k], v)
		}
	}
}

func TestEmit_SparseEvent(t *testing.T) {
	cap := &recordCapture{}
	em := NewEventEmitterWithLogger(cap)
	before := time.Now().UTC()
	if err := em.Emit(context.Background(), &telemetry.Event{EventType: "session_expired", SessionID: "s1"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	rec := cap.rec
	if !rec.Body().Empty() {
		t.Error("body should be empty without metadata")
	}
	if rec.Timestamp().Before(before) {
		t.Errorf("timestamp = %v, want >= %v", rec.Timestamp(), before)
	}
	attrs := attrsOf(rec)
	if len(attrs) != 2 || attrs["event_type"] != "session_expired" || attrs["session_id"] != "s1" {
		t.Errorf("attributes = %v, want only event_type and session_id", attrs)
	}
}
