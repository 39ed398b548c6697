package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const (
	defaultBatchSize     = 200
	defaultMaxAttempts   = 5
	defaultLeaseDuration = 5 * time.Minute
	baseRetryDelay       = 30 * time.Second
	maxRetryDelay        = 30 * time.Minute
)

var (
	notificationsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_notifications_dispatched_total",
		Help: "Total number of notification delivery attempts grouped by channel and result.",
	}, []string{"channel", "result"})
	notificationsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketplace_notifications_enqueued_total",
		Help: "Total number of notification enqueue calls grouped by template and result.",
	}, []string{"template", "result"})
)

// ErrRecipientRequired — у уведомления нет адресата.
var ErrRecipientRequired = errors.New("notification recipient is required")

// Service ставит уведомления в outbox. Повтор dedupe_key не создаёт новую запись.
type Service struct {
	repo   domain.NotificationRepository
	clock  clock.Clock
	logger *log.Entry
}

// NewService создаёт сервис постановки уведомлений.
func NewService(repo domain.NotificationRepository, c clock.Clock, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "notifications")
	}
	return &Service{repo: repo, clock: clock.OrDefault(c), logger: logger}
}

// Enqueue сохраняет уведомление; false — запись с таким dedupe_key уже есть.
func (s *Service) Enqueue(ctx context.Context, n domain.Notification) (bool, error) {
	if strings.TrimSpace(n.To) == "" {
		return false, ErrRecipientRequired
	}
	if n.Channel == "" {
		n.Channel = domain.ChannelSMS
	}
	if n.ID == "" {
		n.ID = clock.NewID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.clock.Now()
	}

	_, created, err := s.repo.Enqueue(ctx, n)
	if err != nil {
		notificationsEnqueued.WithLabelValues(n.Template, "error").Inc()
		return false, fmt.Errorf("enqueue notification %s: %w", n.Template, err)
	}
	if !created {
		notificationsEnqueued.WithLabelValues(n.Template, "duplicate").Inc()
		return false, nil
	}
	notificationsEnqueued.WithLabelValues(n.Template, "ok").Inc()
	return true, nil
}

var _ domain.NotificationSink = (*Service)(nil)

// DispatcherOptions задаёт параметры доставки уведомлений.
type DispatcherOptions struct {
	Logger        *log.Entry
	Clock         clock.Clock
	BatchSize     int
	MaxAttempts   int
	LeaseDuration time.Duration
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

// Dispatcher доставляет уведомления из outbox через NotificationSender.
type Dispatcher struct {
	repo          domain.NotificationRepository
	sender        domain.NotificationSender
	logger        *log.Entry
	clock         clock.Clock
	batchSize     int
	maxAttempts   int
	leaseDuration time.Duration
}

// NewDispatcher создаёт диспетчер уведомлений.
func NewDispatcher(repo domain.NotificationRepository, sender domain.NotificationSender, options ...Option) *Dispatcher {
	opts := DispatcherOptions{
		BatchSize:     defaultBatchSize,
		MaxAttempts:   defaultMaxAttempts,
		LeaseDuration: defaultLeaseDuration,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "notification-dispatcher")
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

	return &Dispatcher{
		repo:          repo,
		sender:        sender,
		logger:        logger,
		clock:         clock.OrDefault(opts.Clock),
		batchSize:     opts.BatchSize,
		maxAttempts:   opts.MaxAttempts,
		leaseDuration: opts.LeaseDuration,
	}
}

// ProcessOnce доставляет один батч; возвращает число отправленных.
func (d *Dispatcher) ProcessOnce(ctx context.Context) (int, error) {
	batch, err := d.repo.Lease(ctx, d.clock.Now(), d.leaseDuration, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("lease notifications: %w", err)
	}

	sent := 0
	for _, n := range batch {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if d.deliver(ctx, n) {
			sent++
		}
	}
	if sent > 0 {
		d.logger.WithField("sent", sent).Info("notifications dispatched")
	}
	return sent, nil
}

// Run реализует задачу планировщика.
func (d *Dispatcher) Run(ctx context.Context) error {
	_, err := d.ProcessOnce(ctx)
	return err
}

func (d *Dispatcher) deliver(ctx context.Context, n domain.Notification) bool {
	entry := d.logger.WithFields(log.Fields{
		"notification_id": n.ID,
		"order_id":        n.OrderID,
		"template":        n.Template,
	})

	sendErr := d.sender.Send(ctx, n)
	now := d.clock.Now()
	if sendErr == nil {
		if err := d.repo.MarkSent(ctx, n.ID, now); err != nil {
			entry.WithError(err).Warn("failed to mark notification as sent")
		}
		notificationsDispatched.WithLabelValues(string(n.Channel), "sent").Inc()
		return true
	}

	attempts := n.Attempts + 1
	failure := domain.DeliveryFailure{
		Attempts: attempts,
		Terminal: attempts >= d.maxAttempts || domain.IsPermanentProviderError(sendErr),
		Error:    sendErr.Error(),
	}
	if !failure.Terminal {
		failure.NextRetryAt = now.Add(domain.RetryBackoff(baseRetryDelay, maxRetryDelay, attempts))
	}
	if err := d.repo.MarkFailed(ctx, n.ID, failure, now); err != nil {
		entry.WithError(err).Warn("failed to mark notification as failed")
	}

	result := "retry"
	if failure.Terminal {
		result = "dead"
	}
	notificationsDispatched.WithLabelValues(string(n.Channel), result).Inc()
	entry.WithError(sendErr).WithField("attempts", attempts).Warn("notification delivery failed")
	return false
}

// LogSender пишет уведомления в лог; используется, когда шлюз не настроен.
type LogSender struct {
	Logger *log.Entry
}

// Send логирует уведомление.
func (s LogSender) Send(_ context.Context, n domain.Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = log.WithField("component", "notification-log-sender")
	}
	logger.WithFields(log.Fields{
		"channel":  n.Channel,
		"to":       n.To,
		"template": n.Template,
		"order_id": n.OrderID,
	}).Info("notification sent to log")
	return nil
}

var _ domain.NotificationSender = LogSender{}
