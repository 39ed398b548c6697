package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type ledgerRepositoryInMemory struct {
	mu      sync.Mutex
	entries []domain.LedgerEntry
	dedupe  map[string]struct{}
}

// NewLedgerRepository создаёт in-memory журнал проводок.
func NewLedgerRepository() domain.LedgerRepository {
	return &ledgerRepositoryInMemory{dedupe: make(map[string]struct{})}
}

func (r *ledgerRepositoryInMemory) Append(_ context.Context, entry domain.LedgerEntry) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry.DedupeKey != "" {
		if _, dup := r.dedupe[entry.DedupeKey]; dup {
			return false, nil
		}
		r.dedupe[entry.DedupeKey] = struct{}{}
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Direction == "" {
		entry.Direction = entry.Type.DirectionOf()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	r.entries = append(r.entries, entry)
	return true, nil
}

func (r *ledgerRepositoryInMemory) ListByOrder(_ context.Context, orderID string) ([]domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]domain.LedgerEntry, 0)
	for _, e := range r.entries {
		if e.OrderID == orderID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (r *ledgerRepositoryInMemory) List(_ context.Context, from, to time.Time) ([]domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]domain.LedgerEntry, 0)
	for _, e := range r.entries {
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		result = append(result, e)
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

var _ domain.LedgerRepository = (*ledgerRepositoryInMemory)(nil)
