package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type alertRepositoryInMemory struct {
	mu      sync.Mutex
	records map[string]*domain.AdminAlert
	dedupe  map[string]string
}

// NewAlertRepository создаёт in-memory очередь алертов.
func NewAlertRepository() domain.AlertRepository {
	return &alertRepositoryInMemory{
		records: make(map[string]*domain.AdminAlert),
		dedupe:  make(map[string]string),
	}
}

func (r *alertRepositoryInMemory) Enqueue(_ context.Context, alert domain.AdminAlert) (domain.AdminAlert, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if alert.DedupeKey != "" {
		if id, ok := r.dedupe[alert.DedupeKey]; ok {
			return *r.records[id], false, nil
		}
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	alert.UpdatedAt = alert.CreatedAt
	alert.Status = domain.DeliveryPending
	stored := alert
	r.records[alert.ID] = &stored
	if alert.DedupeKey != "" {
		r.dedupe[alert.DedupeKey] = alert.ID
	}
	return alert, true, nil
}

func (r *alertRepositoryInMemory) Lease(_ context.Context, now time.Time, leaseFor time.Duration, limit int) ([]domain.AdminAlert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ready := make([]*domain.AdminAlert, 0)
	for _, rec := range r.records {
		if leaseReady(string(rec.Status), rec.Terminal, rec.NextRetryAt, rec.LeasedUntil, now) {
			ready = append(ready, rec)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].CreatedAt.Before(ready[j].CreatedAt) })
	if limit = defaultLimit(limit); len(ready) > limit {
		ready = ready[:limit]
	}

	result := make([]domain.AdminAlert, 0, len(ready))
	for _, rec := range ready {
		rec.Status = domain.DeliveryProcessing
		rec.LeasedUntil = domain.TimePtr(now.Add(leaseFor))
		rec.UpdatedAt = now
		result = append(result, *rec)
	}
	return result, nil
}

func (r *alertRepositoryInMemory) MarkSent(_ context.Context, id string, now time.Time) error {
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

func (r *alertRepositoryInMemory) MarkFailed(_ context.Context, id string, failure domain.DeliveryFailure, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return domain.ErrNotFound
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

func (r *alertRepositoryInMemory) Defer(_ context.Context, id string, until time.Time, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	rec.Status = domain.DeliveryPending
	rec.LeasedUntil = nil
	rec.NextRetryAt = domain.TimePtr(until)
	rec.UpdatedAt = now
	return nil
}

var _ domain.AlertRepository = (*alertRepositoryInMemory)(nil)
