package ttn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
)

// OpCreateTTN — операционная блокировка создания накладной.
const OpCreateTTN = "CREATE_TTN"

const defaultStaleAfter = 2 * time.Minute

// Result — итог ensure-вызова.
type Result struct {
	OK         bool   `json:"ok"`
	TTN        string `json:"ttn,omitempty"`
	Idempotent bool   `json:"idempotent,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Options задаёт параметры оркестратора.
type Options struct {
	Logger     *log.Entry
	Clock      clock.Clock
	Metrics    *metrics.LifecycleMetrics
	Alerts     domain.AlertSink
	StaleAfter time.Duration
}

// Option настраивает Orchestrator.
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

// WithAlerts включает алерт TTN_FAILED при постоянной ошибке перевозчика.
func WithAlerts(alerts domain.AlertSink) Option {
	return func(opts *Options) { opts.Alerts = alerts }
}

// WithStaleAfter задаёт возраст блокировки, после которого она перехватывается.
func WithStaleAfter(d time.Duration) Option {
	return func(opts *Options) { opts.StaleAfter = d }
}

// Orchestrator создаёт накладную не более одного раза на заказ.
type Orchestrator struct {
	orders     domain.OrderRepository
	ops        domain.OrderOpRepository
	provider   domain.DeliveryProvider
	outbox     domain.Outbox
	alerts     domain.AlertSink
	logger     *log.Entry
	clock      clock.Clock
	metrics    *metrics.LifecycleMetrics
	staleAfter time.Duration
}

// New создаёт оркестратор TTN.
func New(orders domain.OrderRepository, ops domain.OrderOpRepository, provider domain.DeliveryProvider, outbox domain.Outbox, options ...Option) *Orchestrator {
	opts := Options{StaleAfter: defaultStaleAfter}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "ttn-orchestrator")
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStaleAfter
	}

	return &Orchestrator{
		orders:     orders,
		ops:        ops,
		provider:   provider,
		outbox:     outbox,
		alerts:     opts.Alerts,
		logger:     logger,
		clock:      clock.OrDefault(opts.Clock),
		metrics:    metrics.OrDefault(opts.Metrics),
		staleAfter: opts.StaleAfter,
	}
}

// Ensure гарантирует наличие накладной у заказа.
// Ошибка возвращается вместе с Result{OK:false}; LOCK_HELD означает, что
// накладную сейчас создаёт другой исполнитель.
func (o *Orchestrator) Ensure(ctx context.Context, orderID string) (Result, error) {
	order, err := o.orders.Get(ctx, orderID)
	if err != nil {
		return Result{Error: err.Error()}, fmt.Errorf("load order %s: %w", orderID, err)
	}
	if order.Shipment.HasTTN() {
		return o.idempotent(ctx, order)
	}

	acquired, err := o.ops.Acquire(ctx, orderID, OpCreateTTN, o.clock.Now(), o.staleAfter)
	if err != nil {
		return Result{Error: err.Error()}, fmt.Errorf("acquire %s lock: %w", OpCreateTTN, err)
	}
	if !acquired {
		order, err = o.orders.Get(ctx, orderID)
		if err == nil && order.Shipment.HasTTN() {
			return o.idempotent(ctx, order)
		}
		o.metrics.RecordTTN("lock_held")
		return Result{Error: "LOCK_HELD"}, fmt.Errorf("order %s: %w", orderID, domain.ErrLockHeld)
	}

	created, err := o.provider.CreateTTN(ctx, order)
	if err != nil {
		o.release(ctx, orderID)
		o.metrics.RecordTTN(metrics.ResultError)
		if domain.IsPermanentProviderError(err) {
			o.raiseFailed(ctx, order, err)
		}
		return Result{Error: err.Error()}, fmt.Errorf("create ttn for order %s: %w", orderID, err)
	}

	now := o.clock.Now()
	updated, err := o.orders.Update(ctx, orderID, func(current *domain.Order) error {
		if current.Shipment.HasTTN() {
			return domain.ErrTTNAlreadySet
		}
		current.Shipment.Provider = o.provider.Name()
		current.Shipment.TTN = created.TTN
		current.Shipment.Cost = created.Cost
		current.Shipment.CreatedAt = domain.TimePtr(now)
		current.Shipment.EstimatedDeliveryDate = created.EstimatedDeliveryDate
		if created.PickupPointType != "" {
			current.Shipment.PickupPointType = created.PickupPointType
		}
		current.UpdatedAt = now
		return nil
	})
	if errors.Is(err, domain.ErrTTNAlreadySet) {
		o.logger.WithFields(log.Fields{"order_id": orderID, "ttn": created.TTN}).
			Warn("ttn already stored by another worker, provider ttn is orphaned")
		current, getErr := o.orders.Get(ctx, orderID)
		if getErr != nil {
			return Result{Error: getErr.Error()}, fmt.Errorf("reload order %s: %w", orderID, getErr)
		}
		return o.idempotent(ctx, current)
	}
	if err != nil {
		o.release(ctx, orderID)
		o.metrics.RecordTTN(metrics.ResultError)
		return Result{Error: err.Error()}, fmt.Errorf("store ttn for order %s: %w", orderID, err)
	}

	if err := o.emit(ctx, updated); err != nil {
		return Result{TTN: updated.Shipment.TTN, Error: err.Error()}, err
	}

	o.metrics.RecordTTN(metrics.ResultOK)
	o.logger.WithFields(log.Fields{"order_id": orderID, "ttn": updated.Shipment.TTN}).Info("ttn created")
	return Result{OK: true, TTN: updated.Shipment.TTN}, nil
}

// EnsureTTN — Ensure для потребителя ORDER_PAID.
func (o *Orchestrator) EnsureTTN(ctx context.Context, orderID string) error {
	_, err := o.Ensure(ctx, orderID)
	return err
}

// idempotent повторно выпускает TTN_CREATED (dedupe не даст дубля) на случай
// сбоя между записью накладной и публикацией события.
func (o *Orchestrator) idempotent(ctx context.Context, order domain.Order) (Result, error) {
	if err := o.emit(ctx, order); err != nil {
		return Result{TTN: order.Shipment.TTN, Error: err.Error()}, err
	}
	o.metrics.RecordTTN(metrics.ResultDuplicate)
	return Result{OK: true, TTN: order.Shipment.TTN, Idempotent: true}, nil
}

func (o *Orchestrator) emit(ctx context.Context, order domain.Order) error {
	_, err := o.outbox.Emit(ctx, order.ID, domain.EventDedupeKey(domain.EventTTNCreated, order.ID), domain.TTNCreatedPayload{
		OrderID:               order.ID,
		TTN:                   order.Shipment.TTN,
		Cost:                  order.Shipment.Cost,
		EstimatedDeliveryDate: order.Shipment.EstimatedDeliveryDate,
	})
	if err != nil {
		return fmt.Errorf("emit ttn created for order %s: %w", order.ID, err)
	}
	return nil
}

func (o *Orchestrator) release(ctx context.Context, orderID string) {
	if err := o.ops.Release(ctx, orderID, OpCreateTTN); err != nil {
		o.logger.WithError(err).WithField("order_id", orderID).Warn("failed to release ttn lock")
	}
}

func (o *Orchestrator) raiseFailed(ctx context.Context, order domain.Order, cause error) {
	if o.alerts == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{"order_id": order.ID, "error": cause.Error()})
	_, err := o.alerts.Raise(ctx, domain.AdminAlert{
		Type:      domain.AlertTTNFailed,
		Text:      fmt.Sprintf("Не вдалося створити ТТН для замовлення %s: %s", order.ID, cause.Error()),
		Payload:   payload,
		DedupeKey: "ttn_failed:" + order.ID,
	})
	if err != nil {
		o.logger.WithError(err).WithField("order_id", order.ID).Warn("failed to raise ttn failure alert")
	}
}
