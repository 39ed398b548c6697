// Package amqp публикует клиентские уведомления в RabbitMQ; SMS/EMAIL шлюзы
// читают их из очередей, привязанных к exchange по каналу.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// DefaultExchange — topic exchange уведомлений.
const DefaultExchange = "notifications"

// Channel — часть *amqp091.Channel, которой пользуется Sender.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Message — тело сообщения для шлюза.
type Message struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id,omitempty"`
	Channel   domain.Channel  `json:"channel"`
	To        string          `json:"to"`
	Template  string          `json:"template"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	DedupeKey string          `json:"dedupe_key,omitempty"`
	Attempt   int             `json:"attempt"`
}

// Sender реализует domain.NotificationSender поверх AMQP.
type Sender struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  Channel
	exchange string
	logger   *log.Entry
}

// Dial подключается к брокеру и объявляет exchange.
func Dial(url, exchange string, logger *log.Entry) (*Sender, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	sender, err := NewSender(ch, exchange, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	sender.conn = conn
	return sender, nil
}

// NewSender объявляет exchange на готовом канале.
func NewSender(ch Channel, exchange string, logger *log.Entry) (*Sender, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = log.WithField("component", "amqp-notifications")
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return &Sender{channel: ch, exchange: exchange, logger: logger}, nil
}

// RoutingKey — ключ маршрутизации: канал в нижнем регистре и шаблон.
func RoutingKey(n domain.Notification) string {
	return strings.ToLower(string(n.Channel)) + "." + n.Template
}

// Send публикует уведомление persistent-сообщением с MessageId = dedupe_key,
// чтобы шлюз мог отбросить повтор после ретрая.
func (s *Sender) Send(ctx context.Context, n domain.Notification) error {
	body, err := json.Marshal(Message{
		ID:        n.ID,
		OrderID:   n.OrderID,
		Channel:   n.Channel,
		To:        n.To,
		Template:  n.Template,
		Payload:   n.Payload,
		DedupeKey: n.DedupeKey,
		Attempt:   n.Attempts + 1,
	})
	if err != nil {
		return fmt.Errorf("encode notification %s: %w", n.ID, err)
	}

	messageID := n.DedupeKey
	if messageID == "" {
		messageID = n.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.channel.PublishWithContext(ctx, s.exchange, RoutingKey(n), false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now().UTC(),
		Type:         n.Template,
		Body:         body,
	})
	if err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"notification_id": n.ID,
			"order_id":        n.OrderID,
		}).Warn("failed to publish notification")
		return &domain.ProviderError{Provider: "amqp", Err: err}
	}
	return nil
}

// Close закрывает канал и соединение.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channel != nil {
		_ = s.channel.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

var _ domain.NotificationSender = (*Sender)(nil)
