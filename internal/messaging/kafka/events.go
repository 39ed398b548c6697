package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "marketplace.order.events"
	TopicDeadLetterQueue = "marketplace.order.events.dlq"
)

// Kafka headers
const (
	HeaderEventType     = "x-event-type"
	HeaderEventID       = "x-event-id"
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// Envelope — представление доменного события в топике.
type Envelope struct {
	ID          string           `json:"id"`
	Type        domain.EventType `json:"type"`
	OrderID     string           `json:"order_id"`
	DedupeKey   string           `json:"dedupe_key,omitempty"`
	Payload     json.RawMessage  `json:"payload"`
	Attempts    int              `json:"attempts,omitempty"`
	LastError   string           `json:"last_error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	PublishedAt time.Time        `json:"published_at"`
}

// NewEnvelope упаковывает событие outbox.
func NewEnvelope(event domain.DomainEvent, publishedAt time.Time) Envelope {
	return Envelope{
		ID:          event.ID,
		Type:        event.Type,
		OrderID:     event.OrderID,
		DedupeKey:   event.DedupeKey,
		Payload:     event.Payload,
		Attempts:    event.Attempts,
		LastError:   event.LastError,
		CreatedAt:   event.CreatedAt,
		PublishedAt: publishedAt.UTC(),
	}
}

// ParseEnvelope разбирает сообщение; id и type обязательны.
func ParseEnvelope(message *sarama.ConsumerMessage) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(message.Value, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.ID == "" || env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope without id or type at offset %d", message.Offset)
	}
	return env, nil
}

func headerValue(message *sarama.ConsumerMessage, key string) string {
	for _, header := range message.Headers {
		if header != nil && string(header.Key) == key {
			return string(header.Value)
		}
	}
	return ""
}
