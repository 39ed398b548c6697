package statemachine

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
)

// ActorSystem — автор переходов, выполненных воркерами.
const ActorSystem = "system"

// Options задаёт зависимости машины состояний.
type Options struct {
	Logger  *log.Entry
	Clock   clock.Clock
	Metrics *metrics.LifecycleMetrics
}

// Option настраивает Machine.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithClock задаёт источник времени.
func WithClock(c clock.Clock) Option {
	return func(opts *Options) {
		opts.Clock = c
	}
}

// WithMetrics задаёт коллекторы метрик.
func WithMetrics(m *metrics.LifecycleMetrics) Option {
	return func(opts *Options) {
		opts.Metrics = m
	}
}

// Machine выполняет переходы заказа через CAS по (id, status).
type Machine struct {
	orders  domain.OrderRepository
	logger  *log.Entry
	clock   clock.Clock
	metrics *metrics.LifecycleMetrics
}

// New создаёт машину состояний поверх репозитория заказов.
func New(orders domain.OrderRepository, options ...Option) *Machine {
	var opts Options
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "state-machine")
	}

	return &Machine{
		orders:  orders,
		logger:  logger,
		clock:   clock.OrDefault(opts.Clock),
		metrics: metrics.OrDefault(opts.Metrics),
	}
}

// Transition атомарно переводит заказ from → to и дописывает журнал.
// Цепочки переходов внутри одного вызова не выполняются.
func (m *Machine) Transition(ctx context.Context, req domain.TransitionRequest) (domain.Order, error) {
	if !domain.CanTransition(req.From, req.To) {
		m.metrics.RecordTransition(string(req.From), string(req.To), metrics.ResultRejected)
		return domain.Order{}, fmt.Errorf("%s -> %s: %w", req.From, req.To, domain.ErrInvalidTransition)
	}

	actor := req.Actor
	if actor == "" {
		actor = ActorSystem
	}

	now := m.clock.Now()
	order, err := m.orders.CompareAndSwapStatus(ctx, req.OrderID, req.From, func(o *domain.Order) error {
		if req.Mutate != nil {
			if err := req.Mutate(o); err != nil {
				return err
			}
		}
		o.Status = req.To
		o.UpdatedAt = now
		o.StatusHistory = append(o.StatusHistory, domain.StatusHistoryEntry{
			At:     now,
			From:   req.From,
			To:     req.To,
			Reason: req.Reason,
			Actor:  actor,
			Meta:   copyMeta(req.Meta),
		})
		return nil
	})
	if err != nil {
		result := metrics.ResultError
		if domain.IsConflict(err) {
			result = metrics.ResultConflict
		}
		m.metrics.RecordTransition(string(req.From), string(req.To), result)
		return domain.Order{}, fmt.Errorf("transition order %s %s -> %s: %w", req.OrderID, req.From, req.To, err)
	}

	m.metrics.RecordTransition(string(req.From), string(req.To), metrics.ResultOK)
	m.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"from":     req.From,
		"to":       req.To,
		"reason":   req.Reason,
		"version":  order.Version,
	}).Debug("order transitioned")

	return order, nil
}

func copyMeta(meta map[string]any) map[string]any {
	if len(meta) == 0 {
		return nil
	}
	dst := make(map[string]any, len(meta))
	for k, v := range meta {
		dst[k] = v
	}
	return dst
}

var _ domain.StateMachine = (*Machine)(nil)
