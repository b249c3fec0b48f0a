package loki

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"remote-admin-gateway/internal/telemetry"
)

func TestEmit(t *testing.T) {
	var got PushRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/loki/api/v1/push" || r.Method != http.MethodPost {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Error(err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	e, err := NewEmitter(srv.URL+"/", nil)
	if err != nil {
		t.Fatal(err)
	}
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	err = e.Emit(context.Background(), &telemetry.Event{
		EventType: "session.grace",
		OwnerID:   "alice",
		SessionID: "s1",
		Source:    "session registry",
		Metadata:  []byte(`{"reason":"transport_lost"}`),
		CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(got.Streams) != 1 {
		t.Fatalf("streams = %+v", got.Streams)
	}
	s := got.Streams[0]
	if s.Stream["job"] != "remote-admin-gateway" || s.Stream["event_type"] != "session.grace" || s.Stream["source"] != "session_registry" {
		t.Errorf("labels = %v", s.Stream)
	}
	if _, ok := s.Stream["owner_id"]; ok {
		t.Error("owner id must not be a label")
	}
	if s.Values[0][0] != "1735787045000000000" {
		t.Errorf("timestamp = %s", s.Values[0][0])
	}
	var l line
	if err := json.Unmarshal([]byte(s.Values[0][1]), &l); err != nil || l.SessionID != "s1" || string(l.Metadata) != `{"reason":"transport_lost"}` {
		t.Errorf("line = %s", s.Values[0][1])
	}
}

func TestEmit_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()
	e, _ := NewEmitter(srv.URL, nil)
	if err := e.Emit(context.Background(), &telemetry.Event{EventType: "x"}); err == nil {
		t.Error("non-2xx should be an error")
	}
}

func TestNewEmitter_EmptyURL(t *testing.T) {
	if _, err := NewEmitter(" ", nil); err == nil {
		t.Error("empty URL should be rejected")
	}
}
