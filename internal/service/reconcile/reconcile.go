package reconcile

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
	"github.com/vladislavdragonenkov/marketplace/internal/service/payment"
)

const (
	defaultHoursBack = 48 * time.Hour
	defaultBatchSize = 200
)

// PaymentApplier применяет платёжное уведомление (реализуется payment.Ingress).
type PaymentApplier interface {
	Apply(ctx context.Context, n domain.PaymentNotification) (payment.Outcome, error)
}

// Report — итог прохода сверки.
type Report struct {
	Checked int `json:"checked"`
	Fixed   int `json:"fixed"`
	Failed  int `json:"failed"`
}

// Options задаёт параметры сверки.
type Options struct {
	Logger    *log.Entry
	Clock     clock.Clock
	Metrics   *metrics.LifecycleMetrics
	HoursBack time.Duration
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

// WithHoursBack задаёт окно поиска заказов.
func WithHoursBack(d time.Duration) Option {
	return func(opts *Options) { opts.HoursBack = d }
}

// WithBatchSize задаёт максимум заказов за проход.
func WithBatchSize(n int) Option {
	return func(opts *Options) { opts.BatchSize = n }
}

// Worker опрашивает провайдера по неоплаченным заказам и восстанавливает
// пропущенные webhook через общий путь применения событий.
type Worker struct {
	orders    domain.OrderRepository
	provider  domain.PaymentProvider
	applier   PaymentApplier
	logger    *log.Entry
	clock     clock.Clock
	metrics   *metrics.LifecycleMetrics
	hoursBack time.Duration
	batchSize int
}

// NewWorker создаёт воркер сверки.
func NewWorker(orders domain.OrderRepository, provider domain.PaymentProvider, applier PaymentApplier, options ...Option) *Worker {
	opts := Options{HoursBack: defaultHoursBack, BatchSize: defaultBatchSize}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "payment-reconciliation")
	}
	if opts.HoursBack <= 0 {
		opts.HoursBack = defaultHoursBack
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}

	return &Worker{
		orders:    orders,
		provider:  provider,
		applier:   applier,
		logger:    logger,
		clock:     clock.OrDefault(opts.Clock),
		metrics:   metrics.OrDefault(opts.Metrics),
		hoursBack: opts.HoursBack,
		batchSize: opts.BatchSize,
	}
}

// Run выполняет один проход; используется планировщиком.
func (w *Worker) Run(ctx context.Context) error {
	_, err := w.Reconcile(ctx)
	return err
}

// Reconcile сверяет заказы в AWAITING_PAYMENT за окно hoursBack.
func (w *Worker) Reconcile(ctx context.Context) (Report, error) {
	now := w.clock.Now()
	orders, err := w.orders.List(ctx, domain.OrderFilter{
		Statuses:        []domain.OrderStatus{domain.OrderStatusAwaitingPayment},
		PaymentProvider: true,
		CreatedFrom:     now.Add(-w.hoursBack),
		Limit:           w.batchSize,
	})
	if err != nil {
		return Report{}, fmt.Errorf("list awaiting orders: %w", err)
	}

	var report Report
	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if order.Payment.Provider != w.provider.Name() || order.Payment.ProviderOrderID == "" {
			continue
		}

		report.Checked++
		fixed, err := w.reconcileOrder(ctx, order)
		if err != nil {
			report.Failed++
			w.logger.WithError(err).WithField("order_id", order.ID).Warn("reconciliation failed")
			continue
		}
		if fixed {
			report.Fixed++
		}
	}

	if report.Fixed > 0 || report.Failed > 0 {
		w.logger.WithFields(log.Fields{
			"checked": report.Checked,
			"fixed":   report.Fixed,
			"failed":  report.Failed,
		}).Info("reconciliation completed")
	}
	return report, nil
}

func (w *Worker) reconcileOrder(ctx context.Context, order domain.Order) (bool, error) {
	status, err := w.provider.FetchStatus(ctx, order.Payment.ProviderOrderID)
	if err != nil {
		return false, fmt.Errorf("fetch status: %w", err)
	}
	if status.Action != domain.PaymentActionMarkPaid {
		if status.Action != domain.PaymentActionNone {
			w.logger.WithFields(log.Fields{
				"order_id":        order.ID,
				"provider_status": status.Status,
			}).Debug("provider status differs, nothing to repair")
		}
		return false, nil
	}

	paymentID := status.PaymentID
	if paymentID == "" {
		paymentID = order.Payment.PaymentID
	}
	outcome, err := w.applier.Apply(ctx, domain.PaymentNotification{
		Provider:       w.provider.Name(),
		EventID:        domain.ProviderEventID(paymentID, status.Status),
		OrderID:        order.ID,
		PaymentID:      paymentID,
		ProviderStatus: status.Status,
		Action:         status.Action,
		Amount:         status.Amount,
		Version:        "reconciliation",
		Source:         domain.PaymentSourceReconciliation,
		Payload:        status.Raw,
	})
	if err != nil {
		return false, err
	}
	if !outcome.Applied {
		return false, nil
	}

	w.metrics.RecordReconciliationFix()
	w.logger.WithFields(log.Fields{
		"order_id":   order.ID,
		"payment_id": paymentID,
	}).Info("missed payment webhook repaired")
	return true, nil
}
