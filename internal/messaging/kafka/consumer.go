package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
)

const defaultConsumerRetries = 3

// MessageHandler обрабатывает одно сообщение. Ошибка запускает повтор.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// ConsumerConfig — параметры consumer group.
type ConsumerConfig struct {
	Brokers    []string
	GroupID    string
	Topics     []string
	MaxRetries int
	RetryDelay time.Duration
	// FromOldest читает топик с начала, если у группы ещё нет offset.
	FromOldest bool
	Clock      clock.Clock
}

// Consumer читает топики consumer group. Сообщение, не обработанное за
// MaxRetries попыток, уходит в DLQ (если продюсер задан) и коммитится.
type Consumer struct {
	group      sarama.ConsumerGroup
	topics     []string
	handle     MessageHandler
	dlq        *Producer
	maxRetries int
	retryDelay time.Duration
	clock      clock.Clock
	logger     *log.Entry
	loops      errgroup.Group
}

// NewConsumer подключается к брокерам; dlq может быть nil.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, dlq *Producer, logger *log.Entry) (*Consumer, error) {
	switch {
	case len(cfg.Brokers) == 0:
		return nil, errors.New("kafka consumer: brokers are required")
	case cfg.GroupID == "":
		return nil, errors.New("kafka consumer: group id is required")
	case len(cfg.Topics) == 0:
		return nil, errors.New("kafka consumer: topics are required")
	case handler == nil:
		return nil, errors.New("kafka consumer: handler is required")
	}

	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	if cfg.FromOldest {
		config.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group %s: %w", cfg.GroupID, err)
	}
	return newConsumer(group, cfg, handler, dlq, logger), nil
}

func newConsumer(group sarama.ConsumerGroup, cfg ConsumerConfig, handler MessageHandler, dlq *Producer, logger *log.Entry) *Consumer {
	if logger == nil {
		logger = log.WithField("component", "kafka-consumer")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultConsumerRetries
	}
	return &Consumer{
		group:      group,
		topics:     cfg.Topics,
		handle:     handler,
		dlq:        dlq,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		clock:      clock.OrDefault(cfg.Clock),
		logger:     logger.WithField("group_topics", cfg.Topics),
	}
}

// Start запускает чтение в фоне и сразу возвращается. Остановка через Stop.
func (c *Consumer) Start(ctx context.Context) error {
	c.loops.Go(func() error {
		// Consume возвращается после каждой перебалансировки группы
		for ctx.Err() == nil {
			if err := c.group.Consume(ctx, c.topics, c); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return nil
				}
				c.logger.WithError(err).Error("consume failed")
			}
		}
		return nil
	})
	c.loops.Go(func() error {
		for err := range c.group.Errors() {
			c.logger.WithError(err).Error("consumer group error")
		}
		return nil
	})

	c.logger.Info("kafka consumer started")
	return nil
}

// Stop закрывает группу и ждёт завершения фоновых циклов.
func (c *Consumer) Stop() error {
	if err := c.group.Close(); err != nil {
		return fmt.Errorf("close kafka consumer: %w", err)
	}
	_ = c.loops.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim коммитит offset только обработанных сообщений либо ушедших в DLQ.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			if err := c.process(ctx, message); err != nil {
				c.logger.WithError(err).WithFields(log.Fields{
					"topic":     message.Topic,
					"partition": message.Partition,
					"offset":    message.Offset,
				}).Error("message left uncommitted")
				continue
			}
			session.MarkMessage(message, "")
		}
	}
}

// process вызывает обработчик до исчерпания бюджета попыток. Бюджет уменьшается
// на число попыток, уже записанных в заголовке x-retry-count.
func (c *Consumer) process(ctx context.Context, message *sarama.ConsumerMessage) error {
	var lastErr error
	first := previousAttempts(message)
	for attempt := first; attempt <= c.maxRetries; attempt++ {
		if attempt > first && c.retryDelay > 0 {
			timer := time.NewTimer(c.retryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		if lastErr = c.handle(ctx, message); lastErr == nil {
			return nil
		}
		c.logger.WithError(lastErr).WithFields(log.Fields{
			"topic":   message.Topic,
			"attempt": attempt,
		}).Warn("message handler failed")
	}

	if c.dlq == nil {
		return lastErr
	}
	if err := c.forwardToDLQ(message, lastErr); err != nil {
		return fmt.Errorf("forward to dlq: %w", err)
	}
	c.logger.WithField("topic", message.Topic).Warn("message moved to dlq")
	return nil
}

// forwardToDLQ публикует исходное тело без перекодирования и добавляет причину в заголовки.
func (c *Consumer) forwardToDLQ(message *sarama.ConsumerMessage, cause error) error {
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	return c.dlq.PublishEvent(TopicDeadLetterQueue, string(message.Key), rawJSON(message.Value), map[string]string{
		HeaderOriginalTopic: message.Topic,
		HeaderErrorMessage:  reason,
		HeaderFailedAt:      c.clock.Now().UTC().Format(time.RFC3339),
		HeaderRetryCount:    strconv.Itoa(c.maxRetries),
	})
}

func previousAttempts(message *sarama.ConsumerMessage) int {
	n, err := strconv.Atoi(headerValue(message, HeaderRetryCount))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// rawJSON отдаёт тело сообщения как уже готовый JSON.
type rawJSON []byte

func (r rawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}
