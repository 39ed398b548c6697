package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
	"github.com/vladislavdragonenkov/marketplace/internal/service/statemachine"
)

// Причины переходов, выполняемых ingress.
const (
	ReasonCheckoutCreated    = "CHECKOUT_CREATED"
	ReasonPaymentConfirmed   = "PAYMENT_CONFIRMED"
	ReasonProviderRefunded   = "PROVIDER_REFUNDED"
	rejectionBadSignature    = "BAD_SIGNATURE"
	rejectionUnknownProvider = "UNKNOWN_PROVIDER"
	rejectionMalformed       = "MALFORMED"
)

// ErrUnknownProvider — webhook пришёл для незарегистрированного провайдера.
var ErrUnknownProvider = errors.New("unknown payment provider")

// WebhookVerifier разбирает и проверяет тело webhook провайдера.
// Неверная подпись возвращается как domain.ErrBadSignature.
type WebhookVerifier interface {
	Name() string
	ParseWebhook(body []byte) (domain.PaymentNotification, error)
}

// Outcome — результат обработки платёжного уведомления.
type Outcome struct {
	OrderID    string               `json:"order_id,omitempty"`
	Action     domain.PaymentAction `json:"action,omitempty"`
	Status     domain.OrderStatus   `json:"status,omitempty"`
	Applied    bool                 `json:"applied"`
	Idempotent bool                 `json:"idempotent,omitempty"`
}

// IngressDeps — коллекции и порты, с которыми работает ingress.
type IngressDeps struct {
	Orders    domain.OrderRepository
	Events    domain.PaymentEventRepository
	Ledger    domain.LedgerRepository
	Refunds   domain.RefundRepository
	Machine   domain.StateMachine
	Outbox    domain.Outbox
	Verifiers []WebhookVerifier
}

// Options задаёт параметры ingress.
type Options struct {
	Logger  *log.Entry
	Clock   clock.Clock
	Metrics *metrics.LifecycleMetrics
}

// Option настраивает Ingress.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) { opts.Logger = logger }
}

// WithClock задаёт источник времени.
func WithClock(c clock.Clock) Option {
	return func(opts *Options) { opts.Clock = c }
}

// WithMetrics задаёт коллекторы метрик.
func WithMetrics(m *metrics.LifecycleMetrics) Option {
	return func(opts *Options) { opts.Metrics = m }
}

// Ingress применяет платёжные события провайдеров к заказам не более одного раза.
type Ingress struct {
	orders    domain.OrderRepository
	events    domain.PaymentEventRepository
	ledger    domain.LedgerRepository
	refunds   domain.RefundRepository
	machine   domain.StateMachine
	outbox    domain.Outbox
	verifiers map[string]WebhookVerifier
	logger    *log.Entry
	clock     clock.Clock
	metrics   *metrics.LifecycleMetrics
}

// NewIngress создаёт обработчик платёжных событий.
func NewIngress(deps IngressDeps, options ...Option) *Ingress {
	opts := Options{}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "payment-ingress")
	}

	verifiers := make(map[string]WebhookVerifier, len(deps.Verifiers))
	for _, v := range deps.Verifiers {
		verifiers[strings.ToLower(v.Name())] = v
	}

	return &Ingress{
		orders:    deps.Orders,
		events:    deps.Events,
		ledger:    deps.Ledger,
		refunds:   deps.Refunds,
		machine:   deps.Machine,
		outbox:    deps.Outbox,
		verifiers: verifiers,
		logger:    logger,
		clock:     clock.OrDefault(opts.Clock),
		metrics:   metrics.OrDefault(opts.Metrics),
	}
}

// HandleWebhook проверяет подпись и применяет событие.
// При неверной подписи фиксируется отказ, платёжное событие не сохраняется.
func (i *Ingress) HandleWebhook(ctx context.Context, provider string, body []byte) (Outcome, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	verifier, ok := i.verifiers[provider]
	if !ok {
		i.reject(ctx, provider, rejectionUnknownProvider, "")
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	notification, err := verifier.ParseWebhook(body)
	if err != nil {
		reason := rejectionMalformed
		if errors.Is(err, domain.ErrBadSignature) {
			reason = rejectionBadSignature
		}
		i.reject(ctx, provider, reason, notification.OrderID)
		return Outcome{}, err
	}

	notification.Provider = provider
	notification.Source = domain.PaymentSourceWebhook
	return i.Apply(ctx, notification)
}

// Apply регистрирует событие и выполняет соответствующее действие.
// Повтор (provider, event_id) или подписи возвращает Idempotent без изменений.
func (i *Ingress) Apply(ctx context.Context, n domain.PaymentNotification) (Outcome, error) {
	if n.Source == "" {
		n.Source = domain.PaymentSourceWebhook
	}
	entry := i.logger.WithFields(log.Fields{
		"provider": n.Provider,
		"event_id": n.EventID,
		"order_id": n.OrderID,
		"source":   n.Source,
	})

	event := domain.PaymentEvent{
		ID:              clock.NewID(),
		Provider:        n.Provider,
		ProviderEventID: n.EventID,
		SignatureHash:   SignatureHash(n.Signature),
		EventKey:        EventKey(n.Provider, n.EventID, n.Version),
		OrderID:         n.OrderID,
		Status:          n.ProviderStatus,
		Source:          n.Source,
		Payload:         n.Payload,
		CreatedAt:       i.clock.Now(),
	}
	if err := i.events.Insert(ctx, event); err != nil {
		if errors.Is(err, domain.ErrDuplicateEvent) {
			i.metrics.RecordWebhook(n.Provider, metrics.ResultDuplicate)
			entry.Debug("payment event already consumed")
			outcome := Outcome{OrderID: n.OrderID, Action: n.Action, Idempotent: true}
			status, err := i.settleConsumed(ctx, n, entry)
			if err != nil {
				return outcome, err
			}
			outcome.Status = status
			return outcome, nil
		}
		i.metrics.RecordWebhook(n.Provider, metrics.ResultError)
		return Outcome{}, fmt.Errorf("record payment event: %w", err)
	}

	var (
		outcome Outcome
		err     error
	)
	switch n.Action {
	case domain.PaymentActionMarkPaid:
		outcome, err = i.markPaid(ctx, n, entry)
	case domain.PaymentActionMarkFailed:
		outcome, err = i.markFailed(ctx, n, entry)
	case domain.PaymentActionMarkRefunded:
		outcome, err = i.markRefunded(ctx, n, entry)
	default:
		entry.WithField("provider_status", n.ProviderStatus).Info("payment status has no action")
		outcome = Outcome{OrderID: n.OrderID}
	}
	if err != nil {
		i.metrics.RecordWebhook(n.Provider, metrics.ResultError)
		return outcome, err
	}

	i.metrics.RecordWebhook(n.Provider, metrics.ResultOK)
	return outcome, nil
}

func (i *Ingress) markPaid(ctx context.Context, n domain.PaymentNotification, entry *log.Entry) (Outcome, error) {
	outcome := Outcome{OrderID: n.OrderID, Action: domain.PaymentActionMarkPaid}

	order, err := i.orders.Get(ctx, n.OrderID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			entry.Warn("paid event for unknown order")
			return outcome, nil
		}
		return outcome, fmt.Errorf("load order: %w", err)
	}

	if order.Status == domain.OrderStatusNew {
		order, err = i.machine.Transition(ctx, domain.TransitionRequest{
			OrderID: order.ID,
			From:    domain.OrderStatusNew,
			To:      domain.OrderStatusAwaitingPayment,
			Reason:  ReasonPaymentConfirmed,
			Actor:   statemachine.ActorSystem,
			Meta:    map[string]any{"provider": n.Provider, "event_id": n.EventID},
		})
		if err != nil {
			if domain.IsConflict(err) {
				return i.lateOrHandled(ctx, outcome, entry)
			}
			return outcome, err
		}
	}

	if order.Status == domain.OrderStatusPaid {
		outcome.Status = order.Status
		return outcome, i.settlePaid(ctx, order, n, entry)
	}
	if order.Status != domain.OrderStatusAwaitingPayment {
		entry.WithField("status", order.Status).Info("late paid event ignored")
		outcome.Status = order.Status
		return outcome, nil
	}

	now := i.clock.Now()
	paid, err := i.machine.Transition(ctx, domain.TransitionRequest{
		OrderID: order.ID,
		From:    domain.OrderStatusAwaitingPayment,
		To:      domain.OrderStatusPaid,
		Reason:  ReasonPaymentConfirmed,
		Actor:   statemachine.ActorSystem,
		Meta:    map[string]any{"provider": n.Provider, "event_id": n.EventID, "source": n.Source},
		Mutate: func(o *domain.Order) error {
			o.Payment.Provider = n.Provider
			if n.PaymentID != "" {
				o.Payment.PaymentID = n.PaymentID
			}
			if n.Amount.IsPositive() {
				o.Payment.PaidAmount = n.Amount
			}
			o.Payment.PaidAt = domain.TimePtr(now)
			return nil
		},
	})
	if err != nil {
		if domain.IsConflict(err) {
			return i.lateOrHandled(ctx, outcome, entry)
		}
		return outcome, err
	}

	outcome.Applied = true
	outcome.Status = paid.Status
	if err := i.settlePaid(ctx, paid, n, entry); err != nil {
		return outcome, err
	}

	entry.WithField("amount", n.Amount.String()).Info("order paid")
	return outcome, nil
}

// settleConsumed доводит побочные эффекты уже записанного события: повтор
// приходит, когда предыдущая доставка упала после смены статуса.
func (i *Ingress) settleConsumed(ctx context.Context, n domain.PaymentNotification, entry *log.Entry) (domain.OrderStatus, error) {
	if n.Action != domain.PaymentActionMarkPaid && n.Action != domain.PaymentActionMarkRefunded {
		return "", nil
	}
	order, err := i.orders.Get(ctx, n.OrderID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			return "", nil
		}
		return "", fmt.Errorf("load order: %w", err)
	}

	switch {
	case n.Action == domain.PaymentActionMarkPaid && order.Status == domain.OrderStatusPaid:
		return order.Status, i.settlePaid(ctx, order, n, entry)
	case n.Action == domain.PaymentActionMarkRefunded && order.Status == domain.OrderStatusRefunded:
		return order.Status, i.settleRefund(ctx, order, n, entry)
	}
	return order.Status, nil
}

// settlePaid записывает SALE_IN и ORDER_PAID. Оба шага дедуплицируются по
// ключам заказа, поэтому повторный вызов безопасен.
func (i *Ingress) settlePaid(ctx context.Context, paid domain.Order, n domain.PaymentNotification, entry *log.Entry) error {
	created, err := i.ledger.Append(ctx, domain.LedgerEntry{
		ID:        clock.NewID(),
		OrderID:   paid.ID,
		Type:      domain.LedgerSaleIn,
		Direction: domain.DirectionIn,
		Amount:    paid.Totals.Grand,
		Meta: map[string]any{
			"method":   string(paid.Payment.Method),
			"provider": n.Provider,
			"event_id": n.EventID,
			"paid":     n.Amount.String(),
		},
		DedupeKey: domain.LedgerDedupeKey(domain.LedgerSaleIn, paid.ID),
		CreatedAt: i.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("append sale ledger: %w", err)
	}

	event, err := i.outbox.Emit(ctx, paid.ID, domain.EventDedupeKey(domain.EventOrderPaid, paid.ID), domain.OrderPaidPayload{
		OrderID:         paid.ID,
		Provider:        n.Provider,
		ProviderEventID: n.EventID,
		Amount:          n.Amount,
		Method:          paid.Payment.Method,
		Source:          n.Source,
	})
	if err != nil {
		return fmt.Errorf("emit order paid: %w", err)
	}

	if created {
		entry.WithField("event", event.ID).Debug("paid order settled")
	}
	return nil
}

// lateOrHandled — CAS проиграл: статус уже сменил другой исполнитель.
func (i *Ingress) lateOrHandled(ctx context.Context, outcome Outcome, entry *log.Entry) (Outcome, error) {
	order, err := i.orders.Get(ctx, outcome.OrderID)
	if err == nil {
		outcome.Status = order.Status
	}
	entry.WithField("status", outcome.Status).Info("status conflict, treated as already handled")
	return outcome, nil
}

var errSkipFailure = errors.New("payment failure not applicable")

func (i *Ingress) markFailed(ctx context.Context, n domain.PaymentNotification, entry *log.Entry) (Outcome, error) {
	outcome := Outcome{OrderID: n.OrderID, Action: domain.PaymentActionMarkFailed}
	now := i.clock.Now()

	order, err := i.orders.Update(ctx, n.OrderID, func(o *domain.Order) error {
		if o.Status != domain.OrderStatusAwaitingPayment && o.Status != domain.OrderStatusNew {
			return errSkipFailure
		}
		o.Payment.FailedAttempts++
		o.Payment.LastFailureAt = domain.TimePtr(now)
		o.UpdatedAt = now
		return nil
	})
	switch {
	case errors.Is(err, errSkipFailure), errors.Is(err, domain.ErrOrderNotFound):
		entry.Info("payment failure ignored")
		return outcome, nil
	case err != nil:
		return outcome, fmt.Errorf("record payment failure: %w", err)
	}

	outcome.Applied = true
	outcome.Status = order.Status
	entry.WithField("failed_attempts", order.Payment.FailedAttempts).Warn("payment failed")
	return outcome, nil
}

func (i *Ingress) markRefunded(ctx context.Context, n domain.PaymentNotification, entry *log.Entry) (Outcome, error) {
	outcome := Outcome{OrderID: n.OrderID, Action: domain.PaymentActionMarkRefunded}

	refunded, err := i.machine.Transition(ctx, domain.TransitionRequest{
		OrderID: n.OrderID,
		From:    domain.OrderStatusRefundRequested,
		To:      domain.OrderStatusRefunded,
		Reason:  ReasonProviderRefunded,
		Actor:   statemachine.ActorSystem,
		Meta:    map[string]any{"provider": n.Provider, "event_id": n.EventID},
	})
	if err != nil {
		if domain.IsConflict(err) || errors.Is(err, domain.ErrOrderNotFound) {
			return i.lateOrHandled(ctx, outcome, entry)
		}
		return outcome, err
	}

	outcome.Applied = true
	outcome.Status = refunded.Status
	if err := i.settleRefund(ctx, refunded, n, entry); err != nil {
		return outcome, err
	}

	entry.Info("order refunded by provider")
	return outcome, nil
}

// settleRefund закрывает заявку на возврат и записывает REFUND_OUT.
func (i *Ingress) settleRefund(ctx context.Context, refunded domain.Order, n domain.PaymentNotification, entry *log.Entry) error {
	now := i.clock.Now()
	amount := refunded.Totals.Grand

	requests, err := i.refunds.ListByOrder(ctx, refunded.ID)
	if err != nil {
		return fmt.Errorf("list refunds: %w", err)
	}
	for _, r := range requests {
		if r.Status == domain.RefundRejected {
			continue
		}
		if !r.Amount.IsZero() {
			amount = r.Amount
		}
		if r.Status != domain.RefundRequested {
			continue
		}
		if _, err := i.refunds.Resolve(ctx, r.ID, domain.RefundApproved, "provider:"+n.Provider, now); err != nil && !domain.IsConflict(err) {
			entry.WithError(err).Warn("failed to resolve refund request")
		}
	}

	if _, err := i.ledger.Append(ctx, domain.LedgerEntry{
		ID:        clock.NewID(),
		OrderID:   refunded.ID,
		Type:      domain.LedgerRefundOut,
		Direction: domain.DirectionOut,
		Amount:    amount,
		Meta:      map[string]any{"provider": n.Provider, "event_id": n.EventID},
		DedupeKey: domain.LedgerDedupeKey(domain.LedgerRefundOut, refunded.ID),
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("append refund ledger: %w", err)
	}
	return nil
}

func (i *Ingress) reject(ctx context.Context, provider, reason, orderID string) {
	i.metrics.RecordWebhook(provider, metrics.ResultRejected)
	if err := i.events.RecordRejection(ctx, domain.WebhookRejection{
		ID:        clock.NewID(),
		Provider:  provider,
		Reason:    reason,
		OrderID:   orderID,
		CreatedAt: i.clock.Now(),
	}); err != nil {
		i.logger.WithError(err).Warn("failed to record webhook rejection")
	}
	i.logger.WithFields(log.Fields{"provider": provider, "reason": reason}).Warn("webhook rejected")
}

// EventKey — sha256(provider|event_id|version) в hex.
func EventKey(provider, eventID, version string) string {
	sum := sha256.Sum256([]byte(provider + "|" + eventID + "|" + version))
	return hex.EncodeToString(sum[:])
}

// SignatureHash — sha256 подписи; пустая подпись не индексируется.
func SignatureHash(signature string) string {
	if strings.TrimSpace(signature) == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(signature))
	return hex.EncodeToString(sum[:])
}
