// Package loki pushes session telemetry events to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"remote-admin-gateway/internal/telemetry"
)

// PushRequest is the Loki push API request body (v1).
type PushRequest struct {
	Streams []Stream `json:"streams"`
}

// Stream is a single stream with labels and log entries.
type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"` // each entry is [timestamp_ns, log_line]
}

// labelSanitize replaces characters that are invalid in Loki label values.
var labelSanitize = regexp.MustCompile(`[^a-zA-Z0-9_\-:.]`)

// Emitter is a telemetry.EventEmitter writing one Loki line per event.
// Labels are kept low-cardinality (job, event_type, source); owner and session ids go in the line.
type Emitter struct {
	baseURL string
	client  *http.Client
}

// NewEmitter returns an emitter pushing to baseURL (e.g. http://localhost:3100). A nil client uses a 5s timeout.
func NewEmitter(baseURL string, client *http.Client) (*Emitter, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("loki: base URL is empty")
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Emitter{baseURL: strings.TrimSuffix(baseURL, "/"), client: client}, nil
}

type line struct {
	EventType string          `json:"eventType"`
	OwnerID   string          `json:"ownerId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Target    string          `json:"target,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

func (e *Emitter) Emit(ctx context.Context, event *telemetry.Event) error {
	if event == nil {
		return nil
	}
	l := line{EventType: event.EventType, OwnerID: event.OwnerID, SessionID: event.SessionID, Target: event.Target}
	if json.Valid(event.Metadata) {
		l.Metadata = event.Metadata
	}
	raw, err := json.Marshal(l)
	if err != nil {
		return err
	}
	ts := event.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return e.push(ctx, ts, string(raw), map[string]string{"event_type": event.EventType, "source": event.Source})
}

func (e *Emitter) push(ctx context.Context, timestamp time.Time, logLine string, labels map[string]string) error {
	streamLabels := make(map[string]string, len(labels)+1)
	streamLabels["job"] = "remote-admin-gateway"
	for k, v := range labels {
		sanitized := labelSanitize.ReplaceAllString(strings.TrimSpace(v), "_")
		if sanitized != "" {
			streamLabels[k] = sanitized
		}
	}
	body := PushRequest{
		Streams: []Stream{{
			Stream: streamLabels,
			Values: [][]string{{fmt.Sprintf("%d", timestamp.UnixNano()), logLine}},
		}},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/loki/api/v1/push", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("loki: push returned %s", resp.Status)
	}
	return nil
}
