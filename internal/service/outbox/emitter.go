package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// Emitter сохраняет доменные события в outbox.
type Emitter struct {
	repo   domain.DomainEventRepository
	clock  clock.Clock
	logger *log.Entry
}

// NewEmitter создаёт Emitter поверх репозитория событий.
func NewEmitter(repo domain.DomainEventRepository, c clock.Clock, logger *log.Entry) *Emitter {
	if logger == nil {
		logger = log.WithField("component", "outbox-emitter")
	}
	return &Emitter{repo: repo, clock: clock.OrDefault(c), logger: logger}
}

// Emit сохраняет событие. Повтор dedupeKey возвращает исходное событие без ошибки.
func (e *Emitter) Emit(ctx context.Context, orderID, dedupeKey string, payload domain.EventPayload) (domain.DomainEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.DomainEvent{}, fmt.Errorf("marshal %s payload: %w", payload.EventType(), err)
	}

	event, created, err := e.repo.Enqueue(ctx, domain.DomainEvent{
		ID:        clock.NewID(),
		Type:      payload.EventType(),
		OrderID:   orderID,
		DedupeKey: dedupeKey,
		Payload:   raw,
		CreatedAt: e.clock.Now(),
	})
	if err != nil {
		return domain.DomainEvent{}, fmt.Errorf("enqueue %s: %w", payload.EventType(), err)
	}
	if !created {
		e.logger.WithFields(log.Fields{
			"order_id":   orderID,
			"event_type": event.Type,
			"dedupe_key": dedupeKey,
		}).Debug("domain event already emitted")
	}
	return event, nil
}

var _ domain.Outbox = (*Emitter)(nil)
