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

// eventRepositoryInMemory — in-memory outbox доменных событий.
type eventRepositoryInMemory struct {
	mu      sync.Mutex
	records map[string]*domain.DomainEvent
	dedupe  map[string]string
}

// NewOutboxRepository создаёт in-memory реализацию outbox.
func NewOutboxRepository() domain.DomainEventRepository {
	return &eventRepositoryInMemory{
		records: make(map[string]*domain.DomainEvent),
		dedupe:  make(map[string]string),
	}
}

// Enqueue сохраняет событие со статусом NEW; повтор dedupe_key возвращает исходное событие.
func (r *eventRepositoryInMemory) Enqueue(_ context.Context, event domain.DomainEvent) (domain.DomainEvent, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if event.DedupeKey != "" {
		if id, ok := r.dedupe[event.DedupeKey]; ok {
			return cloneEvent(*r.records[id]), false, nil
		}
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	event.UpdatedAt = event.CreatedAt
	event.Status = domain.EventStatusNew
	stored := cloneEvent(event)
	r.records[event.ID] = &stored
	if event.DedupeKey != "" {
		r.dedupe[event.DedupeKey] = event.ID
	}
	return cloneEvent(event), true, nil
}

// Lease переводит готовые события в PROCESSING.
func (r *eventRepositoryInMemory) Lease(_ context.Context, now time.Time, leaseFor time.Duration, limit int) ([]domain.DomainEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ready := make([]*domain.DomainEvent, 0)
	for _, rec := range r.records {
		if leaseReady(string(rec.Status), rec.Terminal, rec.NextRetryAt, rec.LeasedUntil, now) {
			ready = append(ready, rec)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		}
		return ready[i].ID < ready[j].ID
	})

	limit = defaultLimit(limit)
	if len(ready) > limit {
		ready = ready[:limit]
	}

	until := now.Add(leaseFor)
	result := make([]domain.DomainEvent, 0, len(ready))
	for _, rec := range ready {
		rec.Status = domain.EventStatusProcessing
		rec.LeasedUntil = domain.TimePtr(until)
		rec.UpdatedAt = now
		result = append(result, cloneEvent(*rec))
	}
	return result, nil
}

// MarkDone переводит событие в терминальный DONE.
func (r *eventRepositoryInMemory) MarkDone(_ context.Context, id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	rec.Status = domain.EventStatusDone
	rec.LeasedUntil = nil
	rec.NextRetryAt = nil
	rec.UpdatedAt = now
	return nil
}

// MarkFailed фиксирует ошибку обработки и время следующей попытки.
func (r *eventRepositoryInMemory) MarkFailed(_ context.Context, id string, failure domain.DeliveryFailure, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	if rec.Status == domain.EventStatusDone {
		return nil
	}
	rec.Status = domain.EventStatusFailed
	rec.Attempts = failure.Attempts
	rec.Terminal = failure.Terminal
	rec.LastError = failure.Error
	rec.LeasedUntil = nil
	if failure.Terminal {
		rec.NextRetryAt = nil
	} else {
		rec.NextRetryAt = domain.TimePtr(failure.NextRetryAt)
	}
	rec.UpdatedAt = now
	return nil
}

// ListByOrder возвращает события заказа по created_at.
func (r *eventRepositoryInMemory) ListByOrder(_ context.Context, orderID string) ([]domain.DomainEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]domain.DomainEvent, 0)
	for _, rec := range r.records {
		if rec.OrderID == orderID {
			result = append(result, cloneEvent(*rec))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// Stats возвращает размер backlog.
func (r *eventRepositoryInMemory) Stats(_ context.Context) (domain.OutboxStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stats domain.OutboxStats
	for _, rec := range r.records {
		switch {
		case rec.Status == domain.EventStatusFailed && rec.Terminal:
			stats.TerminalCount++
		case rec.Status == domain.EventStatusFailed:
			stats.FailedCount++
			fallthrough
		case rec.Status == domain.EventStatusNew || rec.Status == domain.EventStatusProcessing:
			stats.PendingCount++
			if stats.OldestPendingAt.IsZero() || rec.CreatedAt.Before(stats.OldestPendingAt) {
				stats.OldestPendingAt = rec.CreatedAt
			}
		}
	}
	return stats, nil
}

func cloneEvent(src domain.DomainEvent) domain.DomainEvent {
	dst := src
	dst.Payload = append(json.RawMessage(nil), src.Payload...)
	if src.NextRetryAt != nil {
		dst.NextRetryAt = domain.TimePtr(*src.NextRetryAt)
	}
	if src.LeasedUntil != nil {
		dst.LeasedUntil = domain.TimePtr(*src.LeasedUntil)
	}
	return dst
}

var _ domain.DomainEventRepository = (*eventRepositoryInMemory)(nil)
