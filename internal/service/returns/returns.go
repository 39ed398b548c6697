package returns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
	"github.com/vladislavdragonenkov/marketplace/internal/service/idempotency"
	"github.com/vladislavdragonenkov/marketplace/internal/service/statemachine"
)

const (
	defaultChunkSize = 100
	defaultScanLimit = 2000
)

// Report — итог прохода.
type Report struct {
	Checked  int `json:"checked"`
	Detected int `json:"detected"`
	Returned int `json:"returned"`
	Failed   int `json:"failed"`
}

// Options задаёт параметры движка.
type Options struct {
	Logger    *log.Entry
	Clock     clock.Clock
	Metrics   *metrics.LifecycleMetrics
	StatusMap *StatusMap
	ChunkSize int
}

// Option настраивает Engine.
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

// WithStatusMap задаёт таблицу кодов возврата.
func WithStatusMap(m *StatusMap) Option {
	return func(opts *Options) { opts.StatusMap = m }
}

// WithChunkSize задаёт число накладных в одном запросе к перевозчику.
func WithChunkSize(n int) Option {
	return func(opts *Options) { opts.ChunkSize = n }
}

// Deps — зависимости движка возвратов.
type Deps struct {
	Orders    domain.OrderRepository
	Customers domain.CustomerRepository
	Ledger    domain.LedgerRepository
	Machine   domain.StateMachine
	Alerts    domain.AlertSink
	Provider  domain.DeliveryProvider
	Registry  *idempotency.Registry
}

// Engine распознаёт возвраты по статусам перевозчика.
type Engine struct {
	deps      Deps
	logger    *log.Entry
	clock     clock.Clock
	metrics   *metrics.LifecycleMetrics
	statusMap *StatusMap
	chunkSize int
}

// NewEngine создаёт движок возвратов.
func NewEngine(deps Deps, options ...Option) *Engine {
	opts := Options{ChunkSize: defaultChunkSize}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "return-engine")
	}
	if opts.StatusMap == nil {
		opts.StatusMap = DefaultStatusMap()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}

	return &Engine{
		deps:      deps,
		logger:    logger,
		clock:     clock.OrDefault(opts.Clock),
		metrics:   metrics.OrDefault(opts.Metrics),
		statusMap: opts.StatusMap,
		chunkSize: opts.ChunkSize,
	}
}

// Run выполняет один проход; используется планировщиком.
func (e *Engine) Run(ctx context.Context) error {
	_, err := e.ProcessOnce(ctx)
	return err
}

// ProcessOnce опрашивает перевозчика по SHIPPED/DELIVERED заказам.
func (e *Engine) ProcessOnce(ctx context.Context) (Report, error) {
	hasTTN := true
	orders, err := e.deps.Orders.List(ctx, domain.OrderFilter{
		Statuses: []domain.OrderStatus{domain.OrderStatusShipped, domain.OrderStatusDelivered},
		HasTTN:   &hasTTN,
		Limit:    defaultScanLimit,
	})
	if err != nil {
		return Report{}, fmt.Errorf("list shipments: %w", err)
	}

	byTTN := make(map[string]domain.Order, len(orders))
	ttns := make([]string, 0, len(orders))
	for _, o := range orders {
		byTTN[o.Shipment.TTN] = o
		ttns = append(ttns, o.Shipment.TTN)
	}

	var report Report
	for start := 0; start < len(ttns); start += e.chunkSize {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		end := start + e.chunkSize
		if end > len(ttns) {
			end = len(ttns)
		}

		statuses, err := e.deps.Provider.TrackingStatuses(ctx, ttns[start:end])
		if err != nil {
			e.logger.WithError(err).WithField("ttns", end-start).Warn("tracking request failed")
			report.Failed += end - start
			continue
		}
		for _, status := range statuses {
			order, ok := byTTN[status.TTN]
			if !ok {
				continue
			}
			report.Checked++
			detection, ok := e.statusMap.Detect(status.Code)
			if !ok {
				continue
			}

			handled, err := e.Handle(ctx, order, detection)
			if err != nil {
				report.Failed++
				e.logger.WithError(err).WithFields(log.Fields{
					"order_id": order.ID,
					"ttn":      status.TTN,
					"stage":    detection.Stage,
				}).Warn("return handling failed")
				continue
			}
			if handled {
				report.Detected++
				if order.Status == domain.OrderStatusShipped {
					report.Returned++
				}
			}
		}
	}

	if report.Detected > 0 || report.Failed > 0 {
		e.logger.WithFields(log.Fields{
			"checked":  report.Checked,
			"detected": report.Detected,
			"returned": report.Returned,
			"failed":   report.Failed,
		}).Info("return scan completed")
	}
	return report, nil
}

// Handle применяет обнаруженный возврат к заказу. false — стадия уже обработана.
func (e *Engine) Handle(ctx context.Context, order domain.Order, detection Detection) (bool, error) {
	key := order.ID + "|" + detection.Stage
	fresh, err := e.deps.Registry.Register(ctx, idempotency.NamespaceReturns, key, idempotency.ReturnKeyTTL)
	if err != nil {
		return false, err
	}
	if !fresh {
		return false, nil
	}

	if err := e.apply(ctx, order, detection); err != nil {
		if forgetErr := e.deps.Registry.Forget(ctx, idempotency.NamespaceReturns, key); forgetErr != nil {
			e.logger.WithError(forgetErr).WithField("order_id", order.ID).Warn("failed to release return key")
		}
		return false, err
	}
	if err := e.deps.Registry.Complete(ctx, idempotency.NamespaceReturns, key); err != nil {
		e.logger.WithError(err).WithField("order_id", order.ID).Warn("failed to complete return key")
	}
	e.metrics.RecordReturn(detection.Stage)
	return true, nil
}

func (e *Engine) apply(ctx context.Context, order domain.Order, detection Detection) error {
	now := e.clock.Now()

	if order.Status == domain.OrderStatusShipped {
		_, err := e.deps.Machine.Transition(ctx, domain.TransitionRequest{
			OrderID: order.ID,
			From:    domain.OrderStatusShipped,
			To:      domain.OrderStatusReturned,
			Reason:  detection.Reason,
			Actor:   statemachine.ActorSystem,
			Meta:    map[string]any{"ttn": order.Shipment.TTN, "stage": detection.Stage},
		})
		switch {
		case err == nil:
			if err := e.postLedger(ctx, order, detection, now); err != nil {
				return err
			}
		case domain.IsConflict(err):
			// заказ ушёл из SHIPPED раньше нас: проводки не пишем, дальше
			// работаем со свежим статусом
			fresh, getErr := e.deps.Orders.Get(ctx, order.ID)
			if getErr != nil {
				return fmt.Errorf("reload order: %w", getErr)
			}
			e.logger.WithFields(log.Fields{
				"order_id": order.ID,
				"status":   fresh.Status,
			}).Info("order left SHIPPED before return transition")
			order = fresh
		default:
			return fmt.Errorf("transition to returned: %w", err)
		}
	}

	prepaid := order.Payment.Prepaid()
	if _, err := e.deps.Customers.Upsert(ctx, order.Customer.Phone, func(c *domain.Customer) {
		c.Returns = append(c.Returns, now)
		if detection.CODRefusal && !prepaid {
			c.CODRefusals = append(c.CODRefusals, now)
		}
	}); err != nil {
		return fmt.Errorf("update customer counters: %w", err)
	}

	payload, _ := json.Marshal(map[string]any{
		"order_id": order.ID,
		"ttn":      order.Shipment.TTN,
		"stage":    detection.Stage,
		"reason":   detection.Reason,
		"status":   string(order.Status),
	})
	if _, err := e.deps.Alerts.Raise(ctx, domain.AdminAlert{
		Type:      domain.AlertReturnDetected,
		Text:      fmt.Sprintf("↩️ Повернення: замовлення %s, ТТН %s (%s)", order.ID, order.Shipment.TTN, detection.Stage),
		Payload:   payload,
		DedupeKey: "return:" + order.ID + ":" + detection.Stage,
	}); err != nil {
		return fmt.Errorf("raise return alert: %w", err)
	}
	return nil
}

func (e *Engine) postLedger(ctx context.Context, order domain.Order, detection Detection, now time.Time) error {
	entries := []domain.LedgerEntry{{
		Type:   domain.LedgerShipCostOut,
		Amount: order.Shipment.Cost,
	}}
	if order.Payment.Prepaid() && order.Payment.PaidAmount.IsPositive() {
		entries = append(entries, domain.LedgerEntry{
			Type:   domain.LedgerRefundOut,
			Amount: order.Payment.PaidAmount,
		})
	}

	for _, entry := range entries {
		entry.ID = clock.NewID()
		entry.OrderID = order.ID
		entry.Direction = entry.Type.DirectionOf()
		entry.DedupeKey = domain.LedgerDedupeKey(entry.Type, order.ID)
		entry.Meta = map[string]any{"stage": detection.Stage, "ttn": order.Shipment.TTN}
		entry.CreatedAt = now
		if _, err := e.deps.Ledger.Append(ctx, entry); err != nil {
			return fmt.Errorf("append %s: %w", entry.Type, err)
		}
	}
	return nil
}
