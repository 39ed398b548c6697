package timeline

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/service/pickup"
)

// Deps — коллекции, из которых собирается лента.
type Deps struct {
	Orders        domain.OrderRepository
	Events        domain.DomainEventRepository
	Notifications domain.NotificationRepository
	Ledger        domain.LedgerRepository
	Refunds       domain.RefundRepository
}

// Timeline — объединённая лента заказа.
type Timeline struct {
	OrderID string                 `json:"order_id"`
	Status  domain.OrderStatus     `json:"status"`
	Entries []domain.TimelineEntry `json:"entries"`
}

// Tracking — снимок доставки заказа.
type Tracking struct {
	OrderID  string             `json:"order_id"`
	Status   domain.OrderStatus `json:"status"`
	Shipment domain.Shipment    `json:"shipment"`
	Pickup   *pickup.State      `json:"pickup,omitempty"`
}

// Service собирает ленту и снимок доставки.
type Service struct {
	deps   Deps
	clock  clock.Clock
	logger *log.Entry
}

// NewService создаёт сервис ленты заказа.
func NewService(deps Deps, c clock.Clock, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "order-timeline")
	}
	return &Service{deps: deps, clock: clock.OrDefault(c), logger: logger}
}

// Order возвращает заказ; используется для проверки доступа перед чтением ленты.
func (s *Service) Order(ctx context.Context, orderID string) (domain.Order, error) {
	return s.deps.Orders.Get(ctx, orderID)
}

// Tracking возвращает состояние доставки; для посылки в пункте выдачи добавляет
// дни хранения и риск невыкупа.
func (s *Service) Tracking(ctx context.Context, orderID string) (Tracking, error) {
	order, err := s.deps.Orders.Get(ctx, orderID)
	if err != nil {
		return Tracking{}, err
	}
	result := Tracking{OrderID: order.ID, Status: order.Status, Shipment: order.Shipment}
	if order.Status == domain.OrderStatusShipped && order.Shipment.ArrivalAt != nil {
		state := pickup.Compute(order.Shipment, s.clock.Now())
		result.Pickup = &state
	}
	return result, nil
}

// Build собирает ленту из журнала статусов, событий, уведомлений, проводок и
// заявок на возврат. Недоступный источник пропускается с предупреждением.
func (s *Service) Build(ctx context.Context, orderID string) (Timeline, error) {
	order, err := s.deps.Orders.Get(ctx, orderID)
	if err != nil {
		return Timeline{}, err
	}

	entries := make([]domain.TimelineEntry, 0, len(order.StatusHistory)+8)
	for _, h := range order.StatusHistory {
		entries = append(entries, domain.TimelineEntry{
			At:      h.At,
			Kind:    domain.TimelineStatus,
			Type:    string(h.To),
			Summary: fmt.Sprintf("%s → %s", h.From, h.To),
			Data:    map[string]any{"reason": h.Reason, "actor": h.Actor},
		})
	}

	entry := s.logger.WithField("order_id", orderID)
	if events, err := s.deps.Events.ListByOrder(ctx, orderID); err != nil {
		entry.WithError(err).Warn("failed to list domain events")
	} else {
		for _, e := range events {
			entries = append(entries, domain.TimelineEntry{
				At:   e.CreatedAt,
				Kind: domain.TimelineEvent,
				Type: string(e.Type),
				Data: map[string]any{"status": string(e.Status), "attempts": e.Attempts},
			})
		}
	}

	if notifications, err := s.deps.Notifications.ListByOrder(ctx, orderID); err != nil {
		entry.WithError(err).Warn("failed to list notifications")
	} else {
		for _, n := range notifications {
			entries = append(entries, domain.TimelineEntry{
				At:   n.CreatedAt,
				Kind: domain.TimelineNotification,
				Type: n.Template,
				Data: map[string]any{"channel": string(n.Channel), "status": string(n.Status)},
			})
		}
	}

	if ledger, err := s.deps.Ledger.ListByOrder(ctx, orderID); err != nil {
		entry.WithError(err).Warn("failed to list ledger entries")
	} else {
		for _, l := range ledger {
			entries = append(entries, domain.TimelineEntry{
				At:      l.CreatedAt,
				Kind:    domain.TimelineLedger,
				Type:    string(l.Type),
				Summary: fmt.Sprintf("%s %s", l.Direction, l.Amount.StringFixed(2)),
			})
		}
	}

	if refunds, err := s.deps.Refunds.ListByOrder(ctx, orderID); err != nil {
		entry.WithError(err).Warn("failed to list refunds")
	} else {
		for _, r := range refunds {
			entries = append(entries, domain.TimelineEntry{
				At:      r.CreatedAt,
				Kind:    domain.TimelineRefund,
				Type:    string(r.Status),
				Summary: r.Reason,
				Data:    refundData(r),
			})
		}
	}

	domain.SortTimeline(entries)
	return Timeline{OrderID: order.ID, Status: order.Status, Entries: entries}, nil
}

func refundData(r domain.Refund) map[string]any {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil
	}
	delete(data, "order_id")
	return data
}
