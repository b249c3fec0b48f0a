// Package producer publishes session telemetry events to a Kafka topic.
package producer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"

	"remote-admin-gateway/internal/telemetry"
)

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer implements telemetry.EventEmitter using segmentio/kafka-go.
type KafkaProducer struct {
	writer messageWriter
	topic  string
}

// NewKafkaProducer creates a producer that writes session events to topic. It returns nil when brokers
// or topic are empty. Call Close when shutting down.
func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaProducer{writer: writer, topic: topic}
}

type message struct {
	EventType string          `json:"eventType"`
	OwnerID   string          `json:"ownerId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Target    string          `json:"target,omitempty"`
	Source    string          `json:"source,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Emit writes the event as JSON keyed by session id, so one session's events stay on one partition.
// Slow brokers are bounded by a 5s write timeout.
func (p *KafkaProducer) Emit(ctx context.Context, event *telemetry.Event) error {
	if p == nil || p.writer == nil || event == nil {
		return nil
	}
	m := message{
		EventType: event.EventType,
		OwnerID:   event.OwnerID,
		SessionID: event.SessionID,
		Target:    event.Target,
		Source:    event.Source,
		CreatedAt: event.CreatedAt,
	}
	if json.Valid(event.Metadata) {
		m.Metadata = event.Metadata
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err = p.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(event.SessionID),
		Value: payload,
		Time:  event.CreatedAt,
	})
	if err != nil {
		log.WithFields(log.Fields{"topic": p.topic, "event_type": event.EventType}).WithError(err).Warn("telemetry: kafka emit failed")
		return err
	}
	return nil
}

// Close flushes and closes the writer. Safe on a nil producer.
func (p *KafkaProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
