package refund

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// Причины переходов.
const (
	ReasonRequested = "REFUND_REQUESTED"
	ReasonApproved  = "REFUND_APPROVED"
)

// Requester — кто запрашивает возврат.
type Requester struct {
	UserID string
	Admin  bool
}

// Deps — зависимости сервиса возвратов.
type Deps struct {
	Orders        domain.OrderRepository
	Refunds       domain.RefundRepository
	Ledger        domain.LedgerRepository
	Machine       domain.StateMachine
	Notifications domain.NotificationSink
	Alerts        domain.AlertSink
	// Providers — платёжные провайдеры по имени; используются для отмены оплаты.
	Providers map[string]domain.PaymentProvider
}

// Service ведёт заявки клиентов на возврат средств.
type Service struct {
	deps   Deps
	clock  clock.Clock
	logger *log.Entry
}

// NewService создаёт сервис возвратов.
func NewService(deps Deps, c clock.Clock, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "refund-service")
	}
	return &Service{deps: deps, clock: clock.OrDefault(c), logger: logger}
}

// Request создаёт заявку и переводит заказ в REFUND_REQUESTED.
func (s *Service) Request(ctx context.Context, orderID string, who Requester, reason, details string) (domain.Refund, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Refund{}, fmt.Errorf("refund reason is required: %w", domain.ErrInvalidArgument)
	}

	order, err := s.deps.Orders.Get(ctx, orderID)
	if err != nil {
		return domain.Refund{}, err
	}
	if !who.Admin && (who.UserID == "" || order.UserID != who.UserID) {
		return domain.Refund{}, domain.ErrForbidden
	}
	if order.Status != domain.OrderStatusDelivered && order.Status != domain.OrderStatusReturned {
		return domain.Refund{}, fmt.Errorf("order %s is %s: %w", orderID, order.Status, domain.ErrRefundNotAllowedForStatus)
	}

	now := s.clock.Now()
	refund := domain.Refund{
		ID:        clock.NewID(),
		OrderID:   order.ID,
		UserID:    order.UserID,
		Reason:    reason,
		Details:   strings.TrimSpace(details),
		Status:    domain.RefundRequested,
		Amount:    order.Totals.Grand,
		CreatedAt: now,
	}
	if err := s.deps.Refunds.Create(ctx, refund); err != nil {
		return domain.Refund{}, fmt.Errorf("create refund: %w", err)
	}

	if _, err := s.deps.Machine.Transition(ctx, domain.TransitionRequest{
		OrderID: order.ID,
		From:    order.Status,
		To:      domain.OrderStatusRefundRequested,
		Reason:  ReasonRequested,
		Actor:   actorOf(who),
		Meta:    map[string]any{"refund_id": refund.ID},
	}); err != nil {
		if _, resolveErr := s.deps.Refunds.Resolve(ctx, refund.ID, domain.RefundRejected, "system", now); resolveErr != nil {
			s.logger.WithError(resolveErr).WithField("order_id", order.ID).Warn("failed to close orphan refund")
		}
		return domain.Refund{}, err
	}

	if _, err := s.deps.Alerts.Raise(ctx, domain.AdminAlert{
		Type:      domain.AlertRefundRequested,
		Text:      fmt.Sprintf("💸 Запит на повернення: замовлення %s, %s грн (%s)", order.ID, refund.Amount.StringFixed(2), reason),
		DedupeKey: "refund:" + refund.ID,
	}); err != nil {
		s.logger.WithError(err).WithField("order_id", order.ID).Warn("failed to raise refund alert")
	}

	s.logger.WithFields(log.Fields{"order_id": order.ID, "refund_id": refund.ID}).Info("refund requested")
	return refund, nil
}

// Approve одобряет открытую заявку: отменяет оплату у провайдера, переводит заказ
// в REFUNDED и проводит REFUND_OUT на сумму заказа.
func (s *Service) Approve(ctx context.Context, orderID, adminID string) (domain.Refund, error) {
	order, refund, err := s.openRefund(ctx, orderID)
	if err != nil {
		return domain.Refund{}, err
	}

	if order.Payment.Prepaid() && order.Payment.ProviderOrderID != "" {
		provider, ok := s.deps.Providers[order.Payment.Provider]
		if !ok {
			return domain.Refund{}, fmt.Errorf("payment provider %q: %w", order.Payment.Provider, domain.ErrProviderUnavailable)
		}
		if err := provider.Reverse(ctx, order.Payment.ProviderOrderID, order.Payment.PaidAmount); err != nil {
			return domain.Refund{}, fmt.Errorf("reverse payment: %w", err)
		}
	}

	now := s.clock.Now()
	resolved, err := s.deps.Refunds.Resolve(ctx, refund.ID, domain.RefundApproved, adminID, now)
	if err != nil {
		return domain.Refund{}, fmt.Errorf("resolve refund: %w", err)
	}

	refunded, err := s.deps.Machine.Transition(ctx, domain.TransitionRequest{
		OrderID: order.ID,
		From:    domain.OrderStatusRefundRequested,
		To:      domain.OrderStatusRefunded,
		Reason:  ReasonApproved,
		Actor:   "admin:" + adminID,
		Meta:    map[string]any{"refund_id": refund.ID},
	})
	switch {
	case err == nil:
		order = refunded
	case domain.IsConflict(err):
		s.logger.WithField("order_id", order.ID).Debug("order already left REFUND_REQUESTED")
	default:
		return domain.Refund{}, err
	}

	if _, err := s.deps.Ledger.Append(ctx, domain.LedgerEntry{
		ID:        clock.NewID(),
		OrderID:   order.ID,
		Type:      domain.LedgerRefundOut,
		Direction: domain.LedgerRefundOut.DirectionOf(),
		Amount:    resolved.Amount,
		Meta:      map[string]any{"refund_id": refund.ID, "approved_by": adminID},
		DedupeKey: domain.LedgerDedupeKey(domain.LedgerRefundOut, order.ID),
		CreatedAt: now,
	}); err != nil {
		return domain.Refund{}, fmt.Errorf("append refund ledger: %w", err)
	}

	s.notify(ctx, order, domain.TemplateRefundApproved, map[string]any{"amount": resolved.Amount.StringFixed(2)})
	s.logger.WithFields(log.Fields{"order_id": order.ID, "refund_id": refund.ID}).Info("refund approved")
	return resolved, nil
}

// Reject отклоняет открытую заявку. Статус заказа не меняется.
func (s *Service) Reject(ctx context.Context, orderID, adminID, comment string) (domain.Refund, error) {
	order, refund, err := s.openRefund(ctx, orderID)
	if err != nil {
		return domain.Refund{}, err
	}

	resolved, err := s.deps.Refunds.Resolve(ctx, refund.ID, domain.RefundRejected, adminID, s.clock.Now())
	if err != nil {
		return domain.Refund{}, fmt.Errorf("resolve refund: %w", err)
	}

	s.notify(ctx, order, domain.TemplateRefundRejected, map[string]any{"comment": strings.TrimSpace(comment)})
	s.logger.WithFields(log.Fields{"order_id": order.ID, "refund_id": refund.ID}).Info("refund rejected")
	return resolved, nil
}

// List возвращает все заявки по заказу.
func (s *Service) List(ctx context.Context, orderID string) ([]domain.Refund, error) {
	return s.deps.Refunds.ListByOrder(ctx, orderID)
}

func (s *Service) openRefund(ctx context.Context, orderID string) (domain.Order, domain.Refund, error) {
	order, err := s.deps.Orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, domain.Refund{}, err
	}
	if order.Status != domain.OrderStatusRefundRequested {
		return domain.Order{}, domain.Refund{}, fmt.Errorf("order %s is %s: %w", orderID, order.Status, domain.ErrInvalidTransition)
	}
	refund, err := s.deps.Refunds.GetOpen(ctx, orderID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Order{}, domain.Refund{}, fmt.Errorf("no open refund for order %s: %w", orderID, domain.ErrNotFound)
		}
		return domain.Order{}, domain.Refund{}, err
	}
	return order, refund, nil
}

func (s *Service) notify(ctx context.Context, order domain.Order, template string, data map[string]any) {
	if s.deps.Notifications == nil {
		return
	}
	if _, err := s.deps.Notifications.Enqueue(ctx, domain.NewOrderNotification(order, template, template+":"+order.ID, data)); err != nil {
		s.logger.WithError(err).WithField("order_id", order.ID).Warn("failed to enqueue refund notification")
	}
}

func actorOf(who Requester) string {
	if who.Admin {
		return "admin:" + who.UserID
	}
	return "customer:" + who.UserID
}
