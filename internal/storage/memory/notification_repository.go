package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type notificationRepositoryInMemory struct {
	mu      sync.Mutex
	records map[string]*domain.Notification
	dedupe  map[string]string
}

// NewNotificationRepository создаёт in-memory outbox уведомлений.
func NewNotificationRepository() domain.NotificationRepository {
	return &notificationRepositoryInMemory{
		records: make(map[string]*domain.Notification),
		dedupe:  make(map[string]string),
	}
}

func (r *notificationRepositoryInMemory) Enqueue(_ context.Context, n domain.Notification) (domain.Notification, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n.DedupeKey != "" {
		if id, ok := r.dedupe[n.DedupeKey]; ok {
			return cloneNotification(*r.records[id]), false, nil
		}
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	n.UpdatedAt = n.CreatedAt
	n.Status = domain.DeliveryPending
	stored := cloneNotification(n)
	r.records[n.ID] = &stored
	if n.DedupeKey != "" {
		r.dedupe[n.DedupeKey] = n.ID
	}
	return cloneNotification(n), true, nil
}

func (r *notificationRepositoryInMemory) Lease(_ context.Context, now time.Time, leaseFor time.Duration, limit int) ([]domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ready := make([]*domain.Notification, 0)
	for _, rec := range r.records {
		if leaseReady(string(rec.Status), rec.Terminal, rec.NextRetryAt, rec.LeasedUntil, now) {
			ready = append(ready, rec)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].CreatedAt.Before(ready[j].CreatedAt) })
	if limit = defaultLimit(limit); len(ready) > limit {
		ready = ready[:limit]
	}

	result := make([]domain.Notification, 0, len(ready))
	for _, rec := range ready {
		rec.Status = domain.DeliveryProcessing
		rec.LeasedUntil = domain.TimePtr(now.Add(leaseFor))
		rec.UpdatedAt = now
		result = append(result, cloneNotification(*rec))
	}
	return result, nil
}

func (r *notificationRepositoryInMemory) MarkSent(_ context.Context, id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	rec.Status = domain.DeliverySent
	rec.Attempts++
	rec.SentAt = domain.TimePtr(now)
	rec.LeasedUntil = nil
	rec.NextRetryAt = nil
	rec.UpdatedAt = now
	return nil
}

func (r *notificationRepositoryInMemory) MarkFailed(_ context.Context, id string, failure domain.DeliveryFailure, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	if rec.Status == domain.DeliverySent {
		return nil
	}
	rec.Status = domain.DeliveryFailed
	rec.Attempts = failure.Attempts
	rec.Terminal = failure.Terminal
	rec.LastError = failure.Error
	rec.LeasedUntil = nil
	rec.NextRetryAt = nil
	if !failure.Terminal {
		rec.NextRetryAt = domain.TimePtr(failure.NextRetryAt)
	}
	rec.UpdatedAt = now
	return nil
}

func (r *notificationRepositoryInMemory) ListByOrder(_ context.Context, orderID string) ([]domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]domain.Notification, 0)
	for _, rec := range r.records {
		if rec.OrderID == orderID {
			result = append(result, cloneNotification(*rec))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func cloneNotification(src domain.Notification) domain.Notification {
	dst := src
	dst.Payload = append(json.RawMessage(nil), src.Payload...)
	return dst
}

var _ domain.NotificationRepository = (*notificationRepositoryInMemory)(nil)
