package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// ReplayDedupePrefix — префикс dedupe-ключа события, возвращённого из DLQ.
const ReplayDedupePrefix = "replay:"

// NewReplayHandler возвращает обработчик DLQ, который ставит мёртвое событие
// обратно в outbox как новое. Повторная доставка того же сообщения не создаёт дубль.
func NewReplayHandler(events domain.DomainEventRepository, clk clock.Clock, logger *log.Entry) MessageHandler {
	clk = clock.OrDefault(clk)
	if logger == nil {
		logger = log.WithField("component", "kafka-replay")
	}

	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		env, err := ParseEnvelope(message)
		if err != nil {
			// непарсируемое сообщение повторять бессмысленно
			logger.WithError(err).WithField("offset", message.Offset).Warn("skip malformed dlq message")
			return nil
		}

		now := clk.Now()
		event, created, err := events.Enqueue(ctx, domain.DomainEvent{
			ID:        clock.NewID(),
			Type:      env.Type,
			OrderID:   env.OrderID,
			DedupeKey: ReplayDedupePrefix + env.ID,
			Payload:   env.Payload,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return fmt.Errorf("re-enqueue %s: %w", env.ID, err)
		}

		logger.WithFields(log.Fields{
			"event_id":    event.ID,
			"original_id": env.ID,
			"order_id":    env.OrderID,
			"event_type":  env.Type,
			"created":     created,
		}).Info("dlq event replayed")
		return nil
	}
}
