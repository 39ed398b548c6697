package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// orderRepositoryInMemory — in-memory реализация OrderRepository.
// Мутации выполняются под write-lock и не должны обращаться к репозиторию.
type orderRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Order
}

// NewOrderRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewOrderRepository() domain.OrderRepository {
	return &orderRepositoryInMemory{
		items: make(map[string]domain.Order),
	}
}

// Create сохраняет новый заказ, если ID ещё не занят.
func (r *orderRepositoryInMemory) Create(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[order.ID]; exists {
		return fmt.Errorf("order %s: %w", order.ID, domain.ErrDuplicateKey)
	}
	r.items[order.ID] = order.Clone()
	return nil
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (r *orderRepositoryInMemory) Get(_ context.Context, id string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

// CompareAndSwapStatus применяет mutate только если текущий статус равен from.
func (r *orderRepositoryInMemory) CompareAndSwapStatus(_ context.Context, id string, from domain.OrderStatus, mutate domain.OrderMutation) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if current.Status != from {
		return domain.Order{}, domain.ErrStatusConflict
	}
	return r.applyLocked(current, mutate, false)
}

// Update применяет mutate без условия на статус.
func (r *orderRepositoryInMemory) Update(_ context.Context, id string, mutate domain.OrderMutation) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return r.applyLocked(current, mutate, true)
}

func (r *orderRepositoryInMemory) applyLocked(current domain.Order, mutate domain.OrderMutation, keepStatus bool) (domain.Order, error) {
	next := current.Clone()
	if mutate != nil {
		if err := mutate(&next); err != nil {
			return domain.Order{}, err
		}
	}
	next.ID = current.ID
	if keepStatus {
		next.Status = current.Status
	}
	next.Version = current.Version + 1
	if next.UpdatedAt.IsZero() || next.UpdatedAt.Before(current.UpdatedAt) {
		next.UpdatedAt = time.Now().UTC()
	}
	r.items[current.ID] = next
	return next.Clone(), nil
}

// List возвращает заказы по фильтру в порядке created_at.
func (r *orderRepositoryInMemory) List(_ context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Order, 0)
	for _, order := range r.items {
		if !matchesOrderFilter(order, filter) {
			continue
		}
		result = append(result, order.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func matchesOrderFilter(order domain.Order, filter domain.OrderFilter) bool {
	if len(filter.Statuses) > 0 {
		found := false
		for _, s := range filter.Statuses {
			if order.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !filter.CreatedFrom.IsZero() && order.CreatedAt.Before(filter.CreatedFrom) {
		return false
	}
	if !filter.CreatedTo.IsZero() && !order.CreatedAt.Before(filter.CreatedTo) {
		return false
	}
	if filter.HasTTN != nil && order.Shipment.HasTTN() != *filter.HasTTN {
		return false
	}
	if filter.PaymentProvider && order.Payment.Provider == "" {
		return false
	}
	if filter.UserID != "" && order.UserID != filter.UserID {
		return false
	}
	if filter.City != "" && !strings.EqualFold(strings.TrimSpace(order.Shipment.City), strings.TrimSpace(filter.City)) {
		return false
	}
	return true
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
