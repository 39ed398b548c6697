package kafka

import (
	"context"
	"fmt"
	"strconv"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// EventPublisher зеркалирует обработанные доменные события в topic.
type EventPublisher struct {
	producer *Producer
	topic    string
	clock    clock.Clock
	dlq      bool
}

// NewEventPublisher создаёт зеркало событий; пустой topic — TopicOrderEvents.
func NewEventPublisher(producer *Producer, topic string, clk clock.Clock) *EventPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &EventPublisher{producer: producer, topic: topic, clock: clock.OrDefault(clk)}
}

// NewDLQPublisher создаёт publisher мёртвых событий в TopicDeadLetterQueue.
func NewDLQPublisher(producer *Producer, clk clock.Clock) *EventPublisher {
	p := NewEventPublisher(producer, TopicDeadLetterQueue, clk)
	p.dlq = true
	return p
}

// Publish отправляет событие с ключом order_id, чтобы сохранить порядок по заказу.
func (p *EventPublisher) Publish(_ context.Context, event domain.DomainEvent) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka event publisher is not initialized")
	}

	key := event.OrderID
	if key == "" {
		key = event.ID
	}

	now := p.clock.Now()
	headers := map[string]string{
		HeaderEventType: string(event.Type),
		HeaderEventID:   event.ID,
	}
	if p.dlq {
		headers[HeaderRetryCount] = strconv.Itoa(event.Attempts)
		headers[HeaderErrorMessage] = event.LastError
		headers[HeaderFailedAt] = clock.Format(now)
	}

	return p.producer.PublishEvent(p.topic, key, NewEnvelope(event, now), headers)
}

var _ domain.EventPublisher = (*EventPublisher)(nil)
