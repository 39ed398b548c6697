package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const (
	defaultPollInterval  = 1 * time.Second
	defaultBatchSize     = 100
	defaultMaxAttempts   = 10
	defaultLeaseDuration = 5 * time.Minute
	baseRetryDelay       = 60 * time.Second
	maxRetryDelay        = time.Hour
	maxJitter            = 10 * time.Second
)

var (
	outboxDispatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_outbox_dispatch_attempts_total",
		Help: "Total number of domain event dispatch attempts grouped by result.",
	}, []string{"result"})
	outboxPendingRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketplace_outbox_pending_records",
		Help: "Current number of pending domain events in outbox.",
	})
	outboxTerminalRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketplace_outbox_terminal_records",
		Help: "Current number of FAILED-terminal domain events.",
	})
	outboxOldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketplace_outbox_oldest_pending_age_seconds",
		Help: "Age in seconds of the oldest pending domain event.",
	})
)

// Handler обрабатывает событие одного типа.
type Handler interface {
	Handle(ctx context.Context, event domain.DomainEvent, payload domain.EventPayload) error
}

// HandlerFunc адаптирует функцию к Handler.
type HandlerFunc func(ctx context.Context, event domain.DomainEvent, payload domain.EventPayload) error

// Handle вызывает f.
func (f HandlerFunc) Handle(ctx context.Context, event domain.DomainEvent, payload domain.EventPayload) error {
	return f(ctx, event, payload)
}

// DispatcherOptions задаёт параметры диспетчера outbox.
type DispatcherOptions struct {
	Logger        *log.Entry
	Clock         clock.Clock
	Publisher     domain.EventPublisher
	DLQPublisher  domain.EventPublisher
	Alerts        domain.AlertSink
	PollInterval  time.Duration
	BatchSize     int
	MaxAttempts   int
	LeaseDuration time.Duration
	Jitter        func(limit time.Duration) time.Duration
}

// Option настраивает Dispatcher.
type Option func(*DispatcherOptions)

// WithLogger задаёт logger для диспетчера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *DispatcherOptions) {
		opts.Logger = logger
	}
}

// WithClock задаёт источник времени.
func WithClock(c clock.Clock) Option {
	return func(opts *DispatcherOptions) {
		opts.Clock = c
	}
}

// WithPublisher задаёт зеркало обработанных событий во внешнюю шину.
func WithPublisher(publisher domain.EventPublisher) Option {
	return func(opts *DispatcherOptions) {
		opts.Publisher = publisher
	}
}

// WithDLQPublisher задаёт publisher для событий, исчерпавших попытки.
func WithDLQPublisher(publisher domain.EventPublisher) Option {
	return func(opts *DispatcherOptions) {
		opts.DLQPublisher = publisher
	}
}

// WithAlerts задаёт очередь алертов для терминальных событий.
func WithAlerts(alerts domain.AlertSink) Option {
	return func(opts *DispatcherOptions) {
		opts.Alerts = alerts
	}
}

// WithPollInterval задаёт частоту опроса outbox.
func WithPollInterval(interval time.Duration) Option {
	return func(opts *DispatcherOptions) {
		opts.PollInterval = interval
	}
}

// WithBatchSize задаёт размер батча из outbox.
func WithBatchSize(batchSize int) Option {
	return func(opts *DispatcherOptions) {
		opts.BatchSize = batchSize
	}
}

// WithMaxAttempts задаёт число попыток до FAILED-terminal.
func WithMaxAttempts(maxAttempts int) Option {
	return func(opts *DispatcherOptions) {
		opts.MaxAttempts = maxAttempts
	}
}

// WithLeaseDuration задаёт время аренды события.
func WithLeaseDuration(d time.Duration) Option {
	return func(opts *DispatcherOptions) {
		opts.LeaseDuration = d
	}
}

// WithJitter задаёт генератор случайной добавки к backoff.
func WithJitter(jitter func(limit time.Duration) time.Duration) Option {
	return func(opts *DispatcherOptions) {
		opts.Jitter = jitter
	}
}

// Dispatcher арендует события outbox и передаёт их обработчикам по типу.
type Dispatcher struct {
	repo          domain.DomainEventRepository
	handlers      map[domain.EventType]Handler
	publisher     domain.EventPublisher
	dlqPublisher  domain.EventPublisher
	alerts        domain.AlertSink
	logger        *log.Entry
	clock         clock.Clock
	pollInterval  time.Duration
	batchSize     int
	maxAttempts   int
	leaseDuration time.Duration
	jitter        func(limit time.Duration) time.Duration
}

// NewDispatcher создаёт диспетчер outbox.
func NewDispatcher(repo domain.DomainEventRepository, options ...Option) *Dispatcher {
	opts := DispatcherOptions{
		PollInterval:  defaultPollInterval,
		BatchSize:     defaultBatchSize,
		MaxAttempts:   defaultMaxAttempts,
		LeaseDuration: defaultLeaseDuration,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "outbox-dispatcher")
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = defaultLeaseDuration
	}
	if opts.Jitter == nil {
		opts.Jitter = randomJitter
	}

	return &Dispatcher{
		repo:          repo,
		handlers:      make(map[domain.EventType]Handler),
		publisher:     opts.Publisher,
		dlqPublisher:  opts.DLQPublisher,
		alerts:        opts.Alerts,
		logger:        logger,
		clock:         clock.OrDefault(opts.Clock),
		pollInterval:  opts.PollInterval,
		batchSize:     opts.BatchSize,
		maxAttempts:   opts.MaxAttempts,
		leaseDuration: opts.LeaseDuration,
		jitter:        opts.Jitter,
	}
}

// Register назначает обработчик типу события. Регистрация выполняется до Run.
func (d *Dispatcher) Register(eventType domain.EventType, handler Handler) {
	d.handlers[eventType] = handler
}

// Run запускает периодический опрос outbox до отмены ctx.
func (d *Dispatcher) Run(ctx context.Context) {
	if d.repo == nil {
		d.logger.Warn("outbox dispatcher is disabled: repo is nil")
		return
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	d.processTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.processTick(ctx)
		}
	}
}

func (d *Dispatcher) processTick(ctx context.Context) {
	if _, err := d.ProcessOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.WithError(err).Warn("outbox dispatch tick failed")
	}
}

// ProcessOnce арендует один батч и обрабатывает его в порядке created_at.
// Возвращает число успешно обработанных событий.
func (d *Dispatcher) ProcessOnce(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	d.refreshBacklogMetrics(ctx)

	events, err := d.repo.Lease(ctx, d.clock.Now(), d.leaseDuration, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("lease outbox events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	done := 0
	for _, event := range events {
		if ctx.Err() != nil {
			break
		}
		if d.dispatch(ctx, event) {
			done++
		}
	}

	d.refreshBacklogMetrics(ctx)
	return done, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, event domain.DomainEvent) bool {
	entry := d.logger.WithFields(log.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
		"order_id":   event.OrderID,
	})

	handler, ok := d.handlers[event.Type]
	if !ok {
		entry.Warn("no handler for domain event type, marking done")
		outboxDispatchAttempts.WithLabelValues("unhandled").Inc()
		d.markDone(ctx, event, entry)
		return true
	}

	payload, err := event.Decode()
	if err == nil {
		err = handler.Handle(ctx, event, payload)
	}
	if err != nil {
		d.fail(ctx, event, err, entry)
		return false
	}

	outboxDispatchAttempts.WithLabelValues("done").Inc()
	d.markDone(ctx, event, entry)
	return true
}

func (d *Dispatcher) markDone(ctx context.Context, event domain.DomainEvent, entry *log.Entry) {
	if err := d.repo.MarkDone(ctx, event.ID, d.clock.Now()); err != nil {
		entry.WithError(err).Warn("failed to mark domain event as done")
		return
	}
	if d.publisher == nil {
		return
	}
	event.Status = domain.EventStatusDone
	if err := d.publisher.Publish(ctx, event); err != nil {
		entry.WithError(err).Warn("failed to mirror domain event")
	}
}

func (d *Dispatcher) fail(ctx context.Context, event domain.DomainEvent, handleErr error, entry *log.Entry) {
	now := d.clock.Now()
	attempts := event.Attempts + 1
	terminal := attempts >= d.maxAttempts || domain.IsPermanentProviderError(handleErr)

	failure := domain.DeliveryFailure{
		Attempts: attempts,
		Terminal: terminal,
		Error:    handleErr.Error(),
	}
	if !terminal {
		failure.NextRetryAt = now.Add(RetryDelay(attempts) + d.jitter(maxJitter))
	}

	entry = entry.WithError(handleErr).WithField("attempts", attempts)
	if err := d.repo.MarkFailed(ctx, event.ID, failure, now); err != nil {
		entry.WithField("mark_error", err.Error()).Warn("failed to mark domain event as failed")
		return
	}

	if !terminal {
		outboxDispatchAttempts.WithLabelValues("retry").Inc()
		entry.WithField("next_retry_at", clock.Format(failure.NextRetryAt)).Warn("domain event dispatch failed")
		return
	}

	outboxDispatchAttempts.WithLabelValues("dead").Inc()
	entry.Error("domain event is dead")

	event.Attempts = attempts
	if err := d.publishToDLQ(ctx, event, handleErr); err != nil {
		entry.WithField("dlq_error", err.Error()).Warn("failed to publish to DLQ")
		outboxDispatchAttempts.WithLabelValues("dlq_failed").Inc()
	}
	d.raiseDeadAlert(ctx, event, handleErr, entry)
}

func (d *Dispatcher) raiseDeadAlert(ctx context.Context, event domain.DomainEvent, cause error, entry *log.Entry) {
	if d.alerts == nil {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"event_id":   event.ID,
		"event_type": event.Type,
		"order_id":   event.OrderID,
		"attempts":   event.Attempts,
		"error":      cause.Error(),
	})
	_, err := d.alerts.Raise(ctx, domain.AdminAlert{
		Type:      domain.AlertOutboxDead,
		Text:      fmt.Sprintf("Подія %s для замовлення %s не оброблена після %d спроб: %s", event.Type, event.OrderID, event.Attempts, cause.Error()),
		Payload:   payload,
		DedupeKey: "outbox_dead:" + event.ID,
	})
	if err != nil {
		entry.WithField("alert_error", err.Error()).Warn("failed to raise dead event alert")
	}
}

func (d *Dispatcher) refreshBacklogMetrics(ctx context.Context) {
	stats, err := d.repo.Stats(ctx)
	if err != nil {
		d.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}

	outboxPendingRecords.Set(float64(stats.PendingCount))
	outboxTerminalRecords.Set(float64(stats.TerminalCount))
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		outboxOldestPendingAge.Set(0)
		return
	}

	age := d.clock.Now().Sub(stats.OldestPendingAt).Seconds()
	if age < 0 {
		age = 0
	}
	outboxOldestPendingAge.Set(age)
}

func (d *Dispatcher) publishToDLQ(ctx context.Context, event domain.DomainEvent, dispatchErr error) error {
	if d.dlqPublisher == nil {
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"outbox_id":        event.ID,
		"order_id":         event.OrderID,
		"event_type":       event.Type,
		"attempts":         event.Attempts,
		"payload":          event.Payload,
		"dispatch_error":   dispatchErr.Error(),
		"dlq_published_at": clock.Format(d.clock.Now()),
	})
	if err != nil {
		return fmt.Errorf("marshal dlq payload: %w", err)
	}

	dlqEvent := event
	dlqEvent.Payload = payload
	dlqEvent.Status = domain.EventStatusFailed
	dlqEvent.Terminal = true
	if err := d.dlqPublisher.Publish(ctx, dlqEvent); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}
	return nil
}

// RetryDelay возвращает min(60·2^attempts, 3600) секунд.
func RetryDelay(attempts int) time.Duration {
	return domain.RetryBackoff(baseRetryDelay, maxRetryDelay, attempts)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(limit)))
}
