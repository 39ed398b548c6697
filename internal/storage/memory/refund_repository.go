package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type refundRepositoryInMemory struct {
	mu      sync.Mutex
	records map[string]*domain.Refund
}

// NewRefundRepository создаёт in-memory хранилище заявок на возврат.
func NewRefundRepository() domain.RefundRepository {
	return &refundRepositoryInMemory{records: make(map[string]*domain.Refund)}
}

func (r *refundRepositoryInMemory) Create(_ context.Context, refund domain.Refund) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.records {
		if rec.OrderID == refund.OrderID && rec.Status == domain.RefundRequested {
			return domain.ErrDuplicateKey
		}
	}
	if refund.ID == "" {
		refund.ID = uuid.NewString()
	}
	if refund.CreatedAt.IsZero() {
		refund.CreatedAt = time.Now().UTC()
	}
	if refund.Status == "" {
		refund.Status = domain.RefundRequested
	}
	stored := refund
	r.records[refund.ID] = &stored
	return nil
}

func (r *refundRepositoryInMemory) GetOpen(_ context.Context, orderID string) (domain.Refund, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.records {
		if rec.OrderID == orderID && rec.Status == domain.RefundRequested {
			return *rec, nil
		}
	}
	return domain.Refund{}, domain.ErrNotFound
}

func (r *refundRepositoryInMemory) ListByOrder(_ context.Context, orderID string) ([]domain.Refund, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]domain.Refund, 0)
	for _, rec := range r.records {
		if rec.OrderID == orderID {
			result = append(result, *rec)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (r *refundRepositoryInMemory) Resolve(_ context.Context, id string, status domain.RefundStatus, by string, at time.Time) (domain.Refund, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return domain.Refund{}, domain.ErrNotFound
	}
	if rec.Status != domain.RefundRequested {
		return domain.Refund{}, domain.ErrStatusConflict
	}
	rec.Status = status
	rec.ResolvedAt = domain.TimePtr(at)
	if status == domain.RefundApproved {
		rec.ApprovedBy = by
	} else {
		rec.RejectedBy = by
	}
	return *rec, nil
}

var _ domain.RefundRepository = (*refundRepositoryInMemory)(nil)
