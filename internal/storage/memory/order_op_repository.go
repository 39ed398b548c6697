package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type orderOpRepositoryInMemory struct {
	mu    sync.Mutex
	locks map[string]time.Time
}

// NewOrderOpRepository создаёт in-memory хранилище операционных блокировок.
func NewOrderOpRepository() domain.OrderOpRepository {
	return &orderOpRepositoryInMemory{locks: make(map[string]time.Time)}
}

func opKey(orderID, op string) string { return orderID + "|" + op }

func (r *orderOpRepositoryInMemory) Acquire(_ context.Context, orderID, op string, now time.Time, staleAfter time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := opKey(orderID, op)
	if acquiredAt, held := r.locks[key]; held {
		if staleAfter <= 0 || now.Sub(acquiredAt) < staleAfter {
			return false, nil
		}
	}
	r.locks[key] = now
	return true, nil
}

func (r *orderOpRepositoryInMemory) Release(_ context.Context, orderID, op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.locks, opKey(orderID, op))
	return nil
}

var _ domain.OrderOpRepository = (*orderOpRepositoryInMemory)(nil)
