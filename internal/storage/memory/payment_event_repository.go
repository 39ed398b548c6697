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

type paymentEventRepositoryInMemory struct {
	mu         sync.Mutex
	events     []domain.PaymentEvent
	byEventID  map[string]struct{}
	bySig      map[string]struct{}
	rejections []domain.WebhookRejection
}

// NewPaymentEventRepository создаёт in-memory журнал платёжных событий.
func NewPaymentEventRepository() domain.PaymentEventRepository {
	return &paymentEventRepositoryInMemory{
		byEventID: make(map[string]struct{}),
		bySig:     make(map[string]struct{}),
	}
}

func (r *paymentEventRepositoryInMemory) Insert(_ context.Context, event domain.PaymentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := event.Provider + "|" + event.ProviderEventID
	if _, dup := r.byEventID[key]; dup {
		return domain.ErrDuplicateEvent
	}
	if event.SignatureHash != "" {
		if _, dup := r.bySig[event.SignatureHash]; dup {
			return domain.ErrDuplicateEvent
		}
		r.bySig[event.SignatureHash] = struct{}{}
	}
	r.byEventID[key] = struct{}{}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	event.Payload = append(json.RawMessage(nil), event.Payload...)
	r.events = append(r.events, event)
	return nil
}

func (r *paymentEventRepositoryInMemory) List(_ context.Context, since time.Time) ([]domain.PaymentEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]domain.PaymentEvent, 0)
	for _, ev := range r.events {
		if !ev.CreatedAt.Before(since) {
			result = append(result, ev)
		}
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (r *paymentEventRepositoryInMemory) RecordRejection(_ context.Context, rejection domain.WebhookRejection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rejection.ID == "" {
		rejection.ID = uuid.NewString()
	}
	if rejection.CreatedAt.IsZero() {
		rejection.CreatedAt = time.Now().UTC()
	}
	r.rejections = append(r.rejections, rejection)
	return nil
}

func (r *paymentEventRepositoryInMemory) ListRejections(_ context.Context, since time.Time) ([]domain.WebhookRejection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]domain.WebhookRejection, 0)
	for _, rej := range r.rejections {
		if !rej.CreatedAt.Before(since) {
			result = append(result, rej)
		}
	}
	return result, nil
}

var _ domain.PaymentEventRepository = (*paymentEventRepositoryInMemory)(nil)
