package payretry

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
	"github.com/vladislavdragonenkov/marketplace/internal/service/statemachine"
)

// CancelReasonTimeout — причина автоотмены неоплаченного заказа.
const CancelReasonTimeout = "PAYMENT_TIMEOUT_24H"

const (
	defaultTimeout   = 24 * time.Hour
	defaultBatchSize = 500
)

// Offset — ступень напоминания об оплате.
type Offset struct {
	Name  string
	After time.Duration
}

// DefaultOffsets — 30 минут, 2 часа и 6 часов после входа в AWAITING_PAYMENT.
func DefaultOffsets() []Offset {
	return []Offset{
		{Name: "30m", After: 30 * time.Minute},
		{Name: "2h", After: 2 * time.Hour},
		{Name: "6h", After: 6 * time.Hour},
	}
}

// DedupeKey — ключ напоминания заказа на ступени offset.
func DedupeKey(orderID, offset string) string {
	return "outbox:payretry:" + orderID + ":" + offset
}

// Report — итог прохода.
type Report struct {
	Reminded  int `json:"reminded"`
	Cancelled int `json:"cancelled"`
	Failed    int `json:"failed"`
}

// Options задаёт параметры воркера.
type Options struct {
	Logger    *log.Entry
	Clock     clock.Clock
	Metrics   *metrics.LifecycleMetrics
	Offsets   []Offset
	Timeout   time.Duration
	BatchSize int
}

// Option настраивает Worker.
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

// WithOffsets задаёт ступени напоминаний (по возрастанию).
func WithOffsets(offsets []Offset) Option {
	return func(opts *Options) { opts.Offsets = offsets }
}

// WithTimeout задаёт возраст, после которого заказ отменяется.
func WithTimeout(d time.Duration) Option {
	return func(opts *Options) { opts.Timeout = d }
}

// Worker напоминает об оплате и отменяет заказы, не оплаченные за сутки.
type Worker struct {
	orders        domain.OrderRepository
	machine       domain.StateMachine
	notifications domain.NotificationSink
	logger        *log.Entry
	clock         clock.Clock
	metrics       *metrics.LifecycleMetrics
	offsets       []Offset
	timeout       time.Duration
	batchSize     int
}

// NewWorker создаёт воркер повторных напоминаний.
func NewWorker(orders domain.OrderRepository, machine domain.StateMachine, notifications domain.NotificationSink, options ...Option) *Worker {
	opts := Options{
		Offsets:   DefaultOffsets(),
		Timeout:   defaultTimeout,
		BatchSize: defaultBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "payment-retry")
	}
	if len(opts.Offsets) == 0 {
		opts.Offsets = DefaultOffsets()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}

	return &Worker{
		orders:        orders,
		machine:       machine,
		notifications: notifications,
		logger:        logger,
		clock:         clock.OrDefault(opts.Clock),
		metrics:       metrics.OrDefault(opts.Metrics),
		offsets:       opts.Offsets,
		timeout:       opts.Timeout,
		batchSize:     opts.BatchSize,
	}
}

// Run выполняет один проход; используется планировщиком.
func (w *Worker) Run(ctx context.Context) error {
	_, err := w.ProcessOnce(ctx)
	return err
}

// ProcessOnce обходит заказы в AWAITING_PAYMENT.
func (w *Worker) ProcessOnce(ctx context.Context) (Report, error) {
	orders, err := w.orders.List(ctx, domain.OrderFilter{
		Statuses: []domain.OrderStatus{domain.OrderStatusAwaitingPayment},
		Limit:    w.batchSize,
	})
	if err != nil {
		return Report{}, fmt.Errorf("list awaiting orders: %w", err)
	}

	var report Report
	now := w.clock.Now()
	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		entry := w.logger.WithField("order_id", order.ID)
		age := now.Sub(order.EnteredStatusAt(domain.OrderStatusAwaitingPayment))

		if age >= w.timeout {
			cancelled, err := w.cancel(ctx, order, now)
			if err != nil {
				report.Failed++
				entry.WithError(err).Warn("auto-cancel failed")
				continue
			}
			if cancelled {
				report.Cancelled++
				entry.Info("order cancelled by payment timeout")
			}
			continue
		}

		sent, err := w.remind(ctx, order, age)
		if err != nil {
			report.Failed++
			entry.WithError(err).Warn("payment reminder failed")
			continue
		}
		if sent {
			report.Reminded++
		}
	}

	if report.Reminded > 0 || report.Cancelled > 0 || report.Failed > 0 {
		w.logger.WithFields(log.Fields{
			"reminded":  report.Reminded,
			"cancelled": report.Cancelled,
			"failed":    report.Failed,
		}).Info("payment retry pass completed")
	}
	return report, nil
}

func (w *Worker) cancel(ctx context.Context, order domain.Order, now time.Time) (bool, error) {
	_, err := w.machine.Transition(ctx, domain.TransitionRequest{
		OrderID: order.ID,
		From:    domain.OrderStatusAwaitingPayment,
		To:      domain.OrderStatusCancelledAuto,
		Reason:  CancelReasonTimeout,
		Actor:   statemachine.ActorSystem,
		Mutate: func(o *domain.Order) error {
			o.CancelReason = CancelReasonTimeout
			o.CancelledAt = domain.TimePtr(now)
			return nil
		},
	})
	if domain.IsConflict(err) {
		return false, nil
	}
	return err == nil, err
}

// remind ставит только самую позднюю из наступивших ступеней, если она ещё не отправлялась.
func (w *Worker) remind(ctx context.Context, order domain.Order, age time.Duration) (bool, error) {
	level := 0
	for i, offset := range w.offsets {
		if age >= offset.After {
			level = i + 1
		}
	}
	if level == 0 || order.Payment.RemindersSent >= level {
		return false, nil
	}
	offset := w.offsets[level-1]

	created, err := w.notifications.Enqueue(ctx, domain.NewOrderNotification(order, domain.TemplatePaymentRetry, DedupeKey(order.ID, offset.Name), map[string]any{
		"checkout_url": order.Payment.CheckoutURL,
		"amount":       order.Payment.CheckoutAmount.StringFixed(2),
		"offset":       offset.Name,
	}))
	if err != nil {
		return false, err
	}

	if _, err := w.orders.Update(ctx, order.ID, func(o *domain.Order) error {
		if o.Payment.RemindersSent < level {
			o.Payment.RemindersSent = level
		}
		return nil
	}); err != nil {
		return false, fmt.Errorf("record reminder: %w", err)
	}

	if created {
		w.metrics.RecordPaymentReminder()
	}
	return created, nil
}
