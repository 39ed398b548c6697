package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/messaging/kafka"
)

const kafkaClientID = "marketplace-outbox"

// eventMirror — зеркало доменных событий в Kafka и DLQ для событий, исчерпавших попытки.
type eventMirror struct {
	producer  *kafka.Producer
	publisher domain.EventPublisher
	dlq       domain.EventPublisher
}

func (m eventMirror) enabled() bool { return m.producer != nil }

// initEventMirror подключается к брокерам, если список не пуст. Пустой список
// даёт выключенное зеркало без ошибки; ошибку подключения решает вызывающий.
func initEventMirror(brokers []string, clk clock.Clock, logger *log.Entry) (eventMirror, error) {
	if len(brokers) == 0 {
		return eventMirror{}, nil
	}

	producer, err := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:  brokers,
		ClientID: kafkaClientID,
	}, logger.WithField("component", "kafka-producer"))
	if err != nil {
		logger.WithError(err).WithField("brokers", brokers).Warn("kafka is unavailable, domain events are not mirrored")
		return eventMirror{}, err
	}

	logger.WithField("brokers", brokers).WithField("topic", kafka.TopicOrderEvents).Info("kafka event mirror enabled")
	return eventMirror{
		producer:  producer,
		publisher: kafka.NewEventPublisher(producer, kafka.TopicOrderEvents, clk),
		dlq:       kafka.NewDLQPublisher(producer, clk),
	}, nil
}

func (m eventMirror) close(logger *log.Entry) {
	if !m.enabled() {
		return
	}
	if err := m.producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
		return
	}
	logger.Info("kafka producer closed")
}
