package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const (
	reasonTTNCreated = "TTN_CREATED"
	reviewNudgeDelay = 72 * time.Hour
)

// TTNEnsurer создаёт накладную для оплаченного заказа.
type TTNEnsurer interface {
	EnsureTTN(ctx context.Context, orderID string) error
}

// Consumers — обработчики ORDER_PAID, TTN_CREATED и ORDER_DELIVERED.
type Consumers struct {
	Orders        domain.OrderRepository
	Machine       domain.StateMachine
	Notifications domain.NotificationSink
	Alerts        domain.AlertSink
	TTN           TTNEnsurer
	Clock         clock.Clock
	Logger        *log.Entry
}

// Register подключает обработчики к диспетчеру.
func (c *Consumers) Register(d *Dispatcher) {
	if c.Logger == nil {
		c.Logger = log.WithField("component", "outbox-consumers")
	}
	c.Clock = clock.OrDefault(c.Clock)

	d.Register(domain.EventOrderPaid, HandlerFunc(c.handleOrderPaid))
	d.Register(domain.EventTTNCreated, HandlerFunc(c.handleTTNCreated))
	d.Register(domain.EventOrderDelivered, HandlerFunc(c.handleOrderDelivered))
}

func (c *Consumers) handleOrderPaid(ctx context.Context, event domain.DomainEvent, payload domain.EventPayload) error {
	paid, ok := payload.(domain.OrderPaidPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", payload, event.Type)
	}
	order, err := c.Orders.Get(ctx, event.OrderID)
	if err != nil {
		return fmt.Errorf("load order: %w", err)
	}

	n := domain.NewOrderNotification(order, domain.TemplateOrderPaid, domain.TemplateOrderPaid+":"+order.ID, map[string]any{
		"amount": paid.Amount.StringFixed(2),
	})
	if _, err := c.Notifications.Enqueue(ctx, n); err != nil {
		return fmt.Errorf("enqueue paid notification: %w", err)
	}

	if c.TTN == nil {
		return nil
	}
	if err := c.TTN.EnsureTTN(ctx, order.ID); err != nil {
		return fmt.Errorf("ensure ttn: %w", err)
	}
	return nil
}

func (c *Consumers) handleTTNCreated(ctx context.Context, event domain.DomainEvent, payload domain.EventPayload) error {
	created, ok := payload.(domain.TTNCreatedPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", payload, event.Type)
	}

	order, err := c.advanceToShipped(ctx, event.OrderID)
	if err != nil {
		return err
	}

	n := domain.NewOrderNotification(order, domain.TemplateOrderShipped, domain.TemplateOrderShipped+":"+order.ID, map[string]any{
		"ttn":                     created.TTN,
		"estimated_delivery_date": created.EstimatedDeliveryDate,
	})
	if _, err := c.Notifications.Enqueue(ctx, n); err != nil {
		return fmt.Errorf("enqueue shipped notification: %w", err)
	}

	alertPayload, _ := json.Marshal(map[string]any{
		"order_id": order.ID,
		"ttn":      created.TTN,
		"cost":     created.Cost.StringFixed(2),
	})
	_, err = c.Alerts.Raise(ctx, domain.AdminAlert{
		Type:      domain.AlertTTNCreated,
		Text:      fmt.Sprintf("ТТН %s створено для замовлення %s (%s, %s грн)", created.TTN, order.ID, order.Shipment.City, order.Totals.Grand.StringFixed(2)),
		Payload:   alertPayload,
		DedupeKey: "ttn_created:" + order.ID,
	})
	if err != nil {
		return fmt.Errorf("raise ttn created alert: %w", err)
	}
	return nil
}

// advanceToShipped ведёт заказ PAID → PROCESSING → SHIPPED; конфликт
// статуса означает, что шаг уже выполнен другим исполнителем.
func (c *Consumers) advanceToShipped(ctx context.Context, orderID string) (domain.Order, error) {
	steps := []struct{ from, to domain.OrderStatus }{
		{domain.OrderStatusPaid, domain.OrderStatusProcessing},
		{domain.OrderStatusProcessing, domain.OrderStatusShipped},
	}

	order, err := c.Orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("load order: %w", err)
	}
	for _, step := range steps {
		if order.Status != step.from {
			continue
		}
		next, err := c.Machine.Transition(ctx, domain.TransitionRequest{
			OrderID: orderID,
			From:    step.from,
			To:      step.to,
			Reason:  reasonTTNCreated,
			Actor:   "system",
		})
		switch {
		case err == nil:
			order = next
		case domain.IsConflict(err):
			if order, err = c.Orders.Get(ctx, orderID); err != nil {
				return domain.Order{}, fmt.Errorf("reload order: %w", err)
			}
		default:
			return domain.Order{}, err
		}
	}

	if order.Status != domain.OrderStatusShipped {
		c.Logger.WithFields(log.Fields{
			"order_id": orderID,
			"status":   order.Status,
		}).Info("ttn created for order outside prepaid flow, status left as is")
	}
	return order, nil
}

func (c *Consumers) handleOrderDelivered(ctx context.Context, event domain.DomainEvent, payload domain.EventPayload) error {
	delivered, ok := payload.(domain.OrderDeliveredPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", payload, event.Type)
	}
	order, err := c.Orders.Get(ctx, event.OrderID)
	if err != nil {
		return fmt.Errorf("load order: %w", err)
	}
	switch {
	case order.Status == domain.OrderStatusShipped:
		return fmt.Errorf("%w: order %s is still SHIPPED", errDeliveryPending, order.ID)
	case !wasDelivered(order):
		c.Logger.WithFields(log.Fields{
			"order_id": order.ID,
			"status":   order.Status,
		}).Info("order left SHIPPED without delivery, notification skipped")
		return nil
	}

	n := domain.NewOrderNotification(order, domain.TemplateOrderDelivered, domain.TemplateOrderDelivered+":"+order.ID, map[string]any{
		"ttn": delivered.TTN,
	})
	if _, err := c.Notifications.Enqueue(ctx, n); err != nil {
		return fmt.Errorf("enqueue delivered notification: %w", err)
	}

	nudge := domain.NewOrderNotification(order, domain.TemplateReviewNudge, fmt.Sprintf("%s:%s:1", domain.TemplateReviewNudge, order.ID), nil)
	nudge.NextRetryAt = domain.TimePtr(c.Clock.Now().Add(reviewNudgeDelay))
	if _, err := c.Notifications.Enqueue(ctx, nudge); err != nil {
		return fmt.Errorf("schedule review nudge: %w", err)
	}
	return nil
}

// errDeliveryPending — событие записано раньше перехода в DELIVERED.
var errDeliveryPending = errors.New("delivery transition pending")

func wasDelivered(order domain.Order) bool {
	if order.Status == domain.OrderStatusDelivered {
		return true
	}
	for _, h := range order.StatusHistory {
		if h.To == domain.OrderStatusDelivered {
			return true
		}
	}
	return false
}
