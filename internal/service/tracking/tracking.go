package tracking

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/service/statemachine"
)

// ReasonDelivered — причина перехода SHIPPED → DELIVERED по данным перевозчика.
const ReasonDelivered = "NP_DELIVERED"

const (
	defaultChunkSize   = 100
	defaultConcurrency = 4
	defaultScanLimit   = 2000
)

// Report — итог прохода.
type Report struct {
	Checked   int `json:"checked"`
	Updated   int `json:"updated"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Options задаёт параметры воркера.
type Options struct {
	Logger      *log.Entry
	Clock       clock.Clock
	ChunkSize   int
	Concurrency int
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

// WithChunkSize задаёт число накладных в одном запросе к перевозчику.
func WithChunkSize(n int) Option {
	return func(opts *Options) { opts.ChunkSize = n }
}

// WithConcurrency задаёт число параллельных запросов к перевозчику.
func WithConcurrency(n int) Option {
	return func(opts *Options) { opts.Concurrency = n }
}

// Worker синхронизирует статусы отправленных заказов с перевозчиком.
type Worker struct {
	orders      domain.OrderRepository
	machine     domain.StateMachine
	outbox      domain.Outbox
	provider    domain.DeliveryProvider
	logger      *log.Entry
	clock       clock.Clock
	chunkSize   int
	concurrency int
}

// NewWorker создаёт воркер трекинга.
func NewWorker(orders domain.OrderRepository, machine domain.StateMachine, outbox domain.Outbox, provider domain.DeliveryProvider, options ...Option) *Worker {
	opts := Options{ChunkSize: defaultChunkSize, Concurrency: defaultConcurrency}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "tracking-worker")
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}

	return &Worker{
		orders:      orders,
		machine:     machine,
		outbox:      outbox,
		provider:    provider,
		logger:      logger,
		clock:       clock.OrDefault(opts.Clock),
		chunkSize:   opts.ChunkSize,
		concurrency: opts.Concurrency,
	}
}

// Run выполняет один проход; используется планировщиком.
func (w *Worker) Run(ctx context.Context) error {
	_, err := w.ProcessOnce(ctx)
	return err
}

// ProcessOnce опрашивает перевозчика по всем SHIPPED-заказам с накладной.
// Ошибка по отдельному заказу или пачке не прерывает проход.
func (w *Worker) ProcessOnce(ctx context.Context) (Report, error) {
	hasTTN := true
	orders, err := w.orders.List(ctx, domain.OrderFilter{
		Statuses: []domain.OrderStatus{domain.OrderStatusShipped},
		HasTTN:   &hasTTN,
		Limit:    defaultScanLimit,
	})
	if err != nil {
		return Report{}, fmt.Errorf("list shipped orders: %w", err)
	}
	if len(orders) == 0 {
		return Report{}, nil
	}

	byTTN := make(map[string]domain.Order, len(orders))
	ttns := make([]string, 0, len(orders))
	for _, o := range orders {
		byTTN[o.Shipment.TTN] = o
		ttns = append(ttns, o.Shipment.TTN)
	}

	var (
		mu     sync.Mutex
		report Report
	)
	add := func(delta Report) {
		mu.Lock()
		defer mu.Unlock()
		report.Checked += delta.Checked
		report.Updated += delta.Updated
		report.Delivered += delta.Delivered
		report.Failed += delta.Failed
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, chunk := range chunks(ttns, w.chunkSize) {
		g.Go(func() error {
			statuses, err := w.provider.TrackingStatuses(gctx, chunk)
			if err != nil {
				w.logger.WithError(err).WithField("ttns", len(chunk)).Warn("tracking request failed")
				add(Report{Failed: len(chunk)})
				return nil
			}
			for _, status := range statuses {
				order, ok := byTTN[status.TTN]
				if !ok {
					continue
				}
				add(w.apply(gctx, order, status))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	if report.Updated > 0 || report.Failed > 0 {
		w.logger.WithFields(log.Fields{
			"checked":   report.Checked,
			"updated":   report.Updated,
			"delivered": report.Delivered,
			"failed":    report.Failed,
		}).Info("tracking sync completed")
	}
	return report, nil
}

func (w *Worker) apply(ctx context.Context, order domain.Order, status domain.TrackingStatus) Report {
	result := Report{Checked: 1}
	entry := w.logger.WithFields(log.Fields{"order_id": order.ID, "ttn": status.TTN, "code": status.Code})
	now := w.clock.Now()

	changed := order.Shipment.TrackingCode != status.Code || order.Shipment.TrackingStatus != status.Status
	arrived := domain.IsArrivalCode(status.Code) && order.Shipment.ArrivalAt == nil
	if changed || arrived {
		_, err := w.orders.Update(ctx, order.ID, func(o *domain.Order) error {
			o.Shipment.TrackingStatus = status.Status
			o.Shipment.TrackingCode = status.Code
			o.Shipment.NPLastUpdate = domain.TimePtr(now)
			if domain.IsArrivalCode(status.Code) && o.Shipment.ArrivalAt == nil {
				arrivalAt := now
				if status.ArrivalAt != nil {
					arrivalAt = status.ArrivalAt.UTC()
				}
				o.Shipment.ArrivalAt = &arrivalAt
			}
			o.UpdatedAt = now
			return nil
		})
		if err != nil {
			entry.WithError(err).Warn("failed to update shipment")
			result.Failed++
			return result
		}
		result.Updated++
	}

	if !domain.IsDeliveredCode(status.Code) {
		return result
	}

	// событие пишется до перехода: если переход упадёт, заказ останется в
	// SHIPPED и следующий проход повторит оба шага
	if _, err := w.outbox.Emit(ctx, order.ID, domain.EventDedupeKey(domain.EventOrderDelivered, order.ID), domain.OrderDeliveredPayload{
		OrderID:      order.ID,
		TTN:          status.TTN,
		TrackingCode: status.Code,
	}); err != nil {
		entry.WithError(err).Error("failed to emit order delivered")
		result.Failed++
		return result
	}

	_, err := w.machine.Transition(ctx, domain.TransitionRequest{
		OrderID: order.ID,
		From:    domain.OrderStatusShipped,
		To:      domain.OrderStatusDelivered,
		Reason:  ReasonDelivered,
		Actor:   statemachine.ActorSystem,
		Meta:    map[string]any{"ttn": status.TTN, "tracking_code": status.Code},
	})
	if err != nil {
		if domain.IsConflict(err) {
			entry.Debug("order already left SHIPPED")
			return result
		}
		entry.WithError(err).Warn("failed to mark delivered")
		result.Failed++
		return result
	}

	result.Delivered++
	entry.Info("order delivered")
	return result
}

func chunks(items []string, size int) [][]string {
	var out [][]string
	for len(items) > 0 {
		n := size
		if len(items) < n {
			n = len(items)
		}
		out = append(out, items[:n])
		items = items[n:]
	}
	return out
}
