package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type customerRepositoryInMemory struct {
	mu      sync.Mutex
	records map[string]domain.Customer
}

// NewCustomerRepository создаёт in-memory CRM.
func NewCustomerRepository() domain.CustomerRepository {
	return &customerRepositoryInMemory{records: make(map[string]domain.Customer)}
}

func (r *customerRepositoryInMemory) Get(_ context.Context, phone string) (domain.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.records[domain.NormalizePhone(phone)]
	if !ok {
		return domain.Customer{}, domain.ErrNotFound
	}
	return cloneCustomer(c), nil
}

func (r *customerRepositoryInMemory) Upsert(_ context.Context, phone string, mutate func(c *domain.Customer)) (domain.Customer, error) {
	key := domain.NormalizePhone(phone)
	if key == "" {
		return domain.Customer{}, domain.ErrPhoneRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.records[key]
	if !ok {
		c = domain.Customer{Phone: key}
	}
	c = cloneCustomer(c)
	if mutate != nil {
		mutate(&c)
	}
	c.Phone = key
	c.UpdatedAt = time.Now().UTC()
	r.records[key] = c
	return cloneCustomer(c), nil
}

func (r *customerRepositoryInMemory) List(_ context.Context, limit int) ([]domain.Customer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]domain.Customer, 0, len(r.records))
	for _, c := range r.records {
		result = append(result, cloneCustomer(c))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Phone < result[j].Phone })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func cloneCustomer(src domain.Customer) domain.Customer {
	dst := src
	dst.CODRefusals = append([]time.Time(nil), src.CODRefusals...)
	dst.Returns = append([]time.Time(nil), src.Returns...)
	if src.FirstOrderAt != nil {
		dst.FirstOrderAt = domain.TimePtr(*src.FirstOrderAt)
	}
	return dst
}

var _ domain.CustomerRepository = (*customerRepositoryInMemory)(nil)
