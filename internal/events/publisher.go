package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

const EventSessionStatusChanged = "SESSION_STATUS_CHANGED"

// StatusEvent is published on every session status transition so downstream
// consumers (UI gateway, notifications) can follow the lifecycle.
type StatusEvent struct {
	EventType string        `json:"event_type"`
	Timestamp time.Time     `json:"timestamp"`
	Payload   StatusPayload `json:"payload"`
}

type StatusPayload struct {
	SessionID string `json:"session_id"`
	OwnerID   string `json:"owner_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// Publisher is the narrow surface the lifecycle controller depends on.
type Publisher interface {
	PublishStatus(ctx context.Context, sessionID, ownerID, status, message string)
}

// KafkaPublisher writes status events to a Kafka topic, keyed by session id
// so per-session ordering is preserved.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokerURL, topic string) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokerURL),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}
	return &KafkaPublisher{writer: writer}
}

// PublishStatus is best-effort: a broker outage must not block or fail a
// lifecycle transition, so errors are logged and swallowed here.
func (p *KafkaPublisher) PublishStatus(ctx context.Context, sessionID, ownerID, status, message string) {
	event := StatusEvent{
		EventType: EventSessionStatusChanged,
		Timestamp: time.Now().UTC(),
		Payload: StatusPayload{
			SessionID: sessionID,
			OwnerID:   ownerID,
			Status:    status,
			Message:   message,
		},
	}

	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("Failed to marshal status event for session %s: %v", sessionID, err)
		return
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(sessionID),
		Value: data,
	}); err != nil {
		log.Printf("Failed to publish status event for session %s: %v", sessionID, err)
	}
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NopPublisher drops all events; used in tests and when Kafka is not
// configured.
type NopPublisher struct{}

func (NopPublisher) PublishStatus(ctx context.Context, sessionID, ownerID, status, message string) {
}
