package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type paymentEventRepository struct {
	db *sql.DB
}

// NewPaymentEventRepository создаёт PostgreSQL-журнал платёжных событий.
func NewPaymentEventRepository(store *Store) domain.PaymentEventRepository {
	return &paymentEventRepository{db: store.DB()}
}

func (r *paymentEventRepository) Insert(ctx context.Context, event domain.PaymentEvent) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_events (
			id, provider, provider_event_id, signature_hash, event_key, order_id, status, source, payload, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		event.ID, event.Provider, event.ProviderEventID, nullString(event.SignatureHash), event.EventKey,
		event.OrderID, event.Status, event.Source, nullJSON(event.Payload), event.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateEvent
		}
		return fmt.Errorf("insert payment event: %w", err)
	}
	return nil
}

func (r *paymentEventRepository) List(ctx context.Context, since time.Time) ([]domain.PaymentEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, provider, provider_event_id, signature_hash, event_key, order_id, status, source, payload, created_at
		FROM payment_events
		WHERE created_at >= $1
		ORDER BY created_at, id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("list payment events: %w", err)
	}
	defer rows.Close()

	result := make([]domain.PaymentEvent, 0)
	for rows.Next() {
		var (
			ev      domain.PaymentEvent
			sig     sql.NullString
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Provider, &ev.ProviderEventID, &sig, &ev.EventKey,
			&ev.OrderID, &ev.Status, &ev.Source, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payment event: %w", err)
		}
		ev.SignatureHash = sig.String
		ev.Payload = append([]byte(nil), payload...)
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payment events: %w", err)
	}
	return result, nil
}

func (r *paymentEventRepository) RecordRejection(ctx context.Context, rejection domain.WebhookRejection) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if rejection.ID == "" {
		rejection.ID = uuid.NewString()
	}
	if rejection.CreatedAt.IsZero() {
		rejection.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_rejections (id, provider, reason, order_id, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, rejection.ID, rejection.Provider, rejection.Reason, rejection.OrderID, rejection.CreatedAt)
	if err != nil {
		return fmt.Errorf("record webhook rejection: %w", err)
	}
	return nil
}

func (r *paymentEventRepository) ListRejections(ctx context.Context, since time.Time) ([]domain.WebhookRejection, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, provider, reason, order_id, created_at
		FROM webhook_rejections
		WHERE created_at >= $1
		ORDER BY created_at
	`, since)
	if err != nil {
		return nil, fmt.Errorf("list webhook rejections: %w", err)
	}
	defer rows.Close()

	result := make([]domain.WebhookRejection, 0)
	for rows.Next() {
		var rej domain.WebhookRejection
		if err := rows.Scan(&rej.ID, &rej.Provider, &rej.Reason, &rej.OrderID, &rej.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook rejection: %w", err)
		}
		result = append(result, rej)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhook rejections: %w", err)
	}
	return result, nil
}

var _ domain.PaymentEventRepository = (*paymentEventRepository)(nil)
