package alerts

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const (
	defaultBatchSize     = 100
	defaultMaxAttempts   = 8
	defaultLeaseDuration = 5 * time.Minute
	quietDeferral        = 15 * time.Minute
	baseRetryDelay       = 30 * time.Second
	maxRetryDelay        = 30 * time.Minute
)

var alertsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "marketplace_admin_alerts_dispatched_total",
	Help: "Total number of admin alert delivery attempts grouped by type and result.",
}, []string{"type", "result"})

// Queue ставит административные алерты в очередь.
type Queue struct {
	repo   domain.AlertRepository
	clock  clock.Clock
	logger *log.Entry
}

// NewQueue создаёт очередь алертов.
func NewQueue(repo domain.AlertRepository, c clock.Clock, logger *log.Entry) *Queue {
	if logger == nil {
		logger = log.WithField("component", "admin-alerts")
	}
	return &Queue{repo: repo, clock: clock.OrDefault(c), logger: logger}
}

// Raise сохраняет алерт; false — алерт с таким dedupe_key уже был.
func (q *Queue) Raise(ctx context.Context, alert domain.AdminAlert) (bool, error) {
	if alert.ID == "" {
		alert.ID = clock.NewID()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = q.clock.Now()
	}
	_, created, err := q.repo.Enqueue(ctx, alert)
	if err != nil {
		return false, fmt.Errorf("enqueue alert %s: %w", alert.Type, err)
	}
	if created {
		q.logger.WithFields(log.Fields{"type": alert.Type, "dedupe_key": alert.DedupeKey}).Debug("admin alert queued")
	}
	return created, nil
}

var _ domain.AlertSink = (*Queue)(nil)

// DispatcherOptions задаёт параметры доставки алертов.
type DispatcherOptions struct {
	Logger      *log.Entry
	Clock       clock.Clock
	BatchSize   int
	MaxAttempts int
	QuietMode   bool
}

// Option настраивает Dispatcher.
type Option func(*DispatcherOptions)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *DispatcherOptions) { opts.Logger = logger }
}

// WithClock задаёт источник времени.
func WithClock(c clock.Clock) Option {
	return func(opts *DispatcherOptions) { opts.Clock = c }
}

// WithBatchSize задаёт размер батча.
func WithBatchSize(batchSize int) Option {
	return func(opts *DispatcherOptions) { opts.BatchSize = batchSize }
}

// WithMaxAttempts задаёт число попыток до FAILED-terminal.
func WithMaxAttempts(maxAttempts int) Option {
	return func(opts *DispatcherOptions) { opts.MaxAttempts = maxAttempts }
}

// WithQuietMode задаёт начальное состояние тихого режима.
func WithQuietMode(quiet bool) Option {
	return func(opts *DispatcherOptions) { opts.QuietMode = quiet }
}

// Dispatcher доставляет алерты администраторам. В тихом режиме
// некритичные алерты откладываются.
type Dispatcher struct {
	repo        domain.AlertRepository
	sender      domain.AlertSender
	logger      *log.Entry
	clock       clock.Clock
	batchSize   int
	maxAttempts int
	quiet       atomic.Bool
}

// NewDispatcher создаёт диспетчер алертов.
func NewDispatcher(repo domain.AlertRepository, sender domain.AlertSender, options ...Option) *Dispatcher {
	opts := DispatcherOptions{
		BatchSize:   defaultBatchSize,
		MaxAttempts: defaultMaxAttempts,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "alert-dispatcher")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}

	d := &Dispatcher{
		repo:        repo,
		sender:      sender,
		logger:      logger,
		clock:       clock.OrDefault(opts.Clock),
		batchSize:   opts.BatchSize,
		maxAttempts: opts.MaxAttempts,
	}
	d.quiet.Store(opts.QuietMode)
	return d
}

// SetQuietMode включает или выключает тихий режим.
func (d *Dispatcher) SetQuietMode(quiet bool) {
	d.quiet.Store(quiet)
}

// QuietMode сообщает, включён ли тихий режим.
func (d *Dispatcher) QuietMode() bool {
	return d.quiet.Load()
}

// ProcessOnce доставляет один батч алертов; возвращает число отправленных.
func (d *Dispatcher) ProcessOnce(ctx context.Context) (int, error) {
	now := d.clock.Now()
	batch, err := d.repo.Lease(ctx, now, defaultLeaseDuration, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("lease alerts: %w", err)
	}

	quiet := d.quiet.Load()
	sent := 0
	for _, alert := range batch {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if quiet && !alert.Type.Critical() {
			if err := d.repo.Defer(ctx, alert.ID, now.Add(quietDeferral), now); err != nil {
				d.logger.WithError(err).WithField("alert_id", alert.ID).Warn("failed to defer alert")
			}
			alertsDispatched.WithLabelValues(string(alert.Type), "deferred").Inc()
			continue
		}
		if d.deliver(ctx, alert) {
			sent++
		}
	}
	return sent, nil
}

// Run реализует задачу планировщика.
func (d *Dispatcher) Run(ctx context.Context) error {
	_, err := d.ProcessOnce(ctx)
	return err
}

func (d *Dispatcher) deliver(ctx context.Context, alert domain.AdminAlert) bool {
	entry := d.logger.WithFields(log.Fields{"alert_id": alert.ID, "type": alert.Type})

	sendErr := d.sender.SendAlert(ctx, alert)
	now := d.clock.Now()
	if sendErr == nil {
		if err := d.repo.MarkSent(ctx, alert.ID, now); err != nil {
			entry.WithError(err).Warn("failed to mark alert as sent")
		}
		alertsDispatched.WithLabelValues(string(alert.Type), "sent").Inc()
		return true
	}

	attempts := alert.Attempts + 1
	failure := domain.DeliveryFailure{
		Attempts: attempts,
		Terminal: attempts >= d.maxAttempts || domain.IsPermanentProviderError(sendErr),
		Error:    sendErr.Error(),
	}
	if !failure.Terminal {
		failure.NextRetryAt = now.Add(domain.RetryBackoff(baseRetryDelay, maxRetryDelay, attempts))
	}
	if err := d.repo.MarkFailed(ctx, alert.ID, failure, now); err != nil {
		entry.WithError(err).Warn("failed to mark alert as failed")
	}
	alertsDispatched.WithLabelValues(string(alert.Type), "failed").Inc()
	entry.WithError(sendErr).WithField("attempts", attempts).Warn("admin alert delivery failed")
	return false
}

// LogSender пишет алерты в лог, если бот не настроен.
type LogSender struct {
	Logger *log.Entry
}

// SendAlert логирует алерт.
func (s LogSender) SendAlert(_ context.Context, alert domain.AdminAlert) error {
	logger := s.Logger
	if logger == nil {
		logger = log.WithField("component", "alert-log-sender")
	}
	logger.WithFields(log.Fields{"type": alert.Type, "text": alert.Text}).Warn("admin alert")
	return nil
}

var _ domain.AlertSender = LogSender{}
