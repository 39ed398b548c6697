package pickup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
)

const (
	defaultCooldown  = 12 * time.Hour
	defaultScanLimit = 2000
)

// Причины, по которым напоминание не отправлено.
const (
	SkipNoLevel     = "NO_LEVEL"
	SkipOptOut      = "OPT_OUT"
	SkipCooldown    = "COOLDOWN"
	SkipQuietHours  = "QUIET_HOURS"
	SkipAlreadySent = "ALREADY_SENT"
)

// Decision — решение по одной посылке.
type Decision struct {
	OrderID    string `json:"order_id"`
	State      State  `json:"state"`
	Send       bool   `json:"send"`
	SkipReason string `json:"skip_reason,omitempty"`
	DedupeKey  string `json:"dedupe_key,omitempty"`
}

// Report — итог прохода.
type Report struct {
	Scanned  int `json:"scanned"`
	Sent     int `json:"sent"`
	HighRisk int `json:"high_risk"`
	Failed   int `json:"failed"`
}

// Options задаёт параметры движка.
type Options struct {
	Logger   *log.Entry
	Clock    clock.Clock
	Metrics  *metrics.LifecycleMetrics
	Cooldown time.Duration
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

// WithCooldown задаёт минимальный интервал между напоминаниями по посылке.
func WithCooldown(d time.Duration) Option {
	return func(opts *Options) { opts.Cooldown = d }
}

// Engine напоминает клиентам о посылках, ожидающих в отделении или почтомате.
type Engine struct {
	orders        domain.OrderRepository
	customers     domain.CustomerRepository
	notifications domain.NotificationSink
	alerts        domain.AlertSink
	logger        *log.Entry
	clock         clock.Clock
	metrics       *metrics.LifecycleMetrics
	cooldown      time.Duration
}

// NewEngine создаёт движок контроля самовывоза.
func NewEngine(orders domain.OrderRepository, customers domain.CustomerRepository, notifications domain.NotificationSink, alerts domain.AlertSink, options ...Option) *Engine {
	opts := Options{Cooldown: defaultCooldown}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "pickup-control")
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = defaultCooldown
	}

	return &Engine{
		orders:        orders,
		customers:     customers,
		notifications: notifications,
		alerts:        alerts,
		logger:        logger,
		clock:         clock.OrDefault(opts.Clock),
		metrics:       metrics.OrDefault(opts.Metrics),
		cooldown:      opts.Cooldown,
	}
}

// Run выполняет один проход; используется планировщиком.
func (e *Engine) Run(ctx context.Context) error {
	_, err := e.ProcessOnce(ctx)
	return err
}

// Evaluate применяет цепочку условий к заказу без побочных эффектов.
func (e *Engine) Evaluate(ctx context.Context, order domain.Order, now time.Time) (Decision, error) {
	state := Compute(order.Shipment, now)
	decision := Decision{OrderID: order.ID, State: state}

	if state.Level == "" {
		decision.SkipReason = SkipNoLevel
		return decision, nil
	}
	decision.DedupeKey = DedupeKey(state.TTN, state.Level)

	customer, err := e.customers.Get(ctx, order.Customer.Phone)
	switch {
	case err == nil:
		if customer.PickupOptOut {
			decision.SkipReason = SkipOptOut
			return decision, nil
		}
	case errors.Is(err, domain.ErrNotFound):
	default:
		return decision, fmt.Errorf("load customer: %w", err)
	}

	if last := order.Shipment.PickupLastReminderAt; last != nil && now.Sub(*last) < e.cooldown {
		decision.SkipReason = SkipCooldown
		return decision, nil
	}
	if QuietHours(now) {
		decision.SkipReason = SkipQuietHours
		return decision, nil
	}
	if order.Shipment.ReminderSent(state.Level) {
		decision.SkipReason = SkipAlreadySent
		return decision, nil
	}

	decision.Send = true
	return decision, nil
}

// ProcessOnce обходит посылки в пунктах выдачи.
func (e *Engine) ProcessOnce(ctx context.Context) (Report, error) {
	hasTTN := true
	orders, err := e.orders.List(ctx, domain.OrderFilter{
		Statuses: []domain.OrderStatus{domain.OrderStatusShipped},
		HasTTN:   &hasTTN,
		Limit:    defaultScanLimit,
	})
	if err != nil {
		return Report{}, fmt.Errorf("list shipped orders: %w", err)
	}

	now := e.clock.Now()
	var (
		report   Report
		highRisk []State
	)
	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if order.Shipment.ArrivalAt == nil {
			continue
		}
		report.Scanned++

		entry := e.logger.WithFields(log.Fields{"order_id": order.ID, "ttn": order.Shipment.TTN})
		decision, err := e.Evaluate(ctx, order, now)
		if err != nil {
			report.Failed++
			entry.WithError(err).Warn("pickup evaluation failed")
			continue
		}
		if decision.State.Risk == RiskHigh {
			highRisk = append(highRisk, decision.State)
		}
		if !decision.Send {
			continue
		}

		if err := e.send(ctx, order, decision, now); err != nil {
			report.Failed++
			entry.WithError(err).Warn("pickup reminder failed")
			continue
		}
		report.Sent++
	}

	report.HighRisk = len(highRisk)
	if len(highRisk) > 0 {
		e.raiseHighRisk(ctx, highRisk, now)
	}
	if report.Sent > 0 || report.Failed > 0 {
		e.logger.WithFields(log.Fields{
			"scanned":   report.Scanned,
			"sent":      report.Sent,
			"high_risk": report.HighRisk,
			"failed":    report.Failed,
		}).Info("pickup control pass completed")
	}
	return report, nil
}

func (e *Engine) send(ctx context.Context, order domain.Order, decision Decision, now time.Time) error {
	state := decision.State
	created, err := e.notifications.Enqueue(ctx, domain.NewOrderNotification(order, domain.TemplatePickupReminder, decision.DedupeKey, map[string]any{
		"ttn":           state.TTN,
		"level":         state.Level,
		"point_type":    string(state.PointType),
		"days_at_point": state.DaysAtPoint,
		"deadline_free": state.DeadlineFree.Format("2006-01-02"),
	}))
	if err != nil {
		return err
	}

	if _, err := e.orders.Update(ctx, order.ID, func(o *domain.Order) error {
		if !o.Shipment.ReminderSent(state.Level) {
			o.Shipment.PickupRemindersSent = append(o.Shipment.PickupRemindersSent, state.Level)
		}
		o.Shipment.PickupLastReminderAt = domain.TimePtr(now)
		return nil
	}); err != nil {
		return fmt.Errorf("record pickup reminder: %w", err)
	}

	if created {
		e.metrics.RecordPickupReminder(state.Level)
	}
	return nil
}

func (e *Engine) raiseHighRisk(ctx context.Context, states []State, now time.Time) {
	if e.alerts == nil {
		return
	}
	localDate := now.Add(LocalOffset).Format("2006-01-02")
	ttns := make([]string, 0, len(states))
	for _, s := range states {
		ttns = append(ttns, s.TTN)
	}
	payload, _ := json.Marshal(map[string]any{"count": len(states), "ttns": ttns, "date": localDate})

	if _, err := e.alerts.Raise(ctx, domain.AdminAlert{
		Type:      domain.AlertPickupHighRisk,
		Text:      fmt.Sprintf("⚠️ Невикуп: %d посилок з високим ризиком (%s)", len(states), strings.Join(ttns, ", ")),
		Payload:   payload,
		DedupeKey: "pickup_high:" + localDate,
	}); err != nil {
		e.logger.WithError(err).Warn("failed to raise pickup high-risk alert")
	}
}
