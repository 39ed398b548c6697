package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const defaultCleanupBatchSize = 500

var expiredKeysDeleted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "marketplace_idempotency_expired_deleted_total",
	Help: "Expired idempotency keys removed by the automation job.",
})

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupWorker)

func WithLogger(logger *log.Entry) CleanupOption {
	return func(w *CleanupWorker) { w.logger = logger }
}

func WithClock(c clock.Clock) CleanupOption {
	return func(w *CleanupWorker) { w.clock = c }
}

// WithBatchSize ограничивает число ключей, удаляемых одним запросом к хранилищу.
func WithBatchSize(n int) CleanupOption {
	return func(w *CleanupWorker) { w.batchSize = n }
}

// CleanupWorker вычищает ключи идемпотентности с истёкшим TTL.
// Сам по себе не планируется: его вызывает задача automation.
type CleanupWorker struct {
	repo      domain.IdempotencyRepository
	logger    *log.Entry
	clock     clock.Clock
	batchSize int
}

func NewCleanupWorker(repo domain.IdempotencyRepository, options ...CleanupOption) *CleanupWorker {
	w := &CleanupWorker{repo: repo}
	for _, apply := range options {
		apply(w)
	}
	if w.logger == nil {
		w.logger = log.WithField("component", "idempotency-cleanup")
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultCleanupBatchSize
	}
	w.clock = clock.OrDefault(w.clock)
	return w
}

// DeleteExpired удаляет ключи с TTL не позже before, пока хранилище отдаёт
// полные порции. Нулевой before заменяется текущим временем часов воркера.
func (w *CleanupWorker) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = w.clock.Now()
	}

	total := 0
	for ctx.Err() == nil {
		n, err := w.repo.DeleteExpired(ctx, before, w.batchSize)
		if err != nil {
			return total, fmt.Errorf("delete expired idempotency keys: %w", err)
		}
		total += n
		expiredKeysDeleted.Add(float64(n))

		if n < w.batchSize {
			if total > 0 {
				w.logger.WithFields(log.Fields{"deleted": total, "before": before}).Info("expired idempotency keys removed")
			}
			return total, nil
		}
	}
	return total, ctx.Err()
}
