package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const domainEventColumns = `id, type, order_id, dedupe_key, payload, status, attempts,
	next_retry_at, leased_until, terminal, last_error, created_at, updated_at`

type outboxRepository struct {
	db *sql.DB
}

// NewOutboxRepository создаёт PostgreSQL-реализацию outbox доменных событий.
func NewOutboxRepository(store *Store) domain.DomainEventRepository {
	return &outboxRepository{db: store.DB()}
}

func (r *outboxRepository) Enqueue(ctx context.Context, event domain.DomainEvent) (domain.DomainEvent, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	event.UpdatedAt = event.CreatedAt
	event.Status = domain.EventStatusNew

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO domain_events (
			id, type, order_id, dedupe_key, payload, status, attempts, next_retry_at, terminal, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,0,$7,FALSE,$8,$9)
		ON CONFLICT (dedupe_key) DO NOTHING
	`,
		event.ID, string(event.Type), event.OrderID, nullString(event.DedupeKey), []byte(event.Payload),
		string(event.Status), nullTime(event.NextRetryAt), event.CreatedAt, event.UpdatedAt,
	)
	if err != nil {
		return domain.DomainEvent{}, false, fmt.Errorf("enqueue domain event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.DomainEvent{}, false, fmt.Errorf("domain event rows affected: %w", err)
	}
	if affected == 1 {
		return event, true, nil
	}

	existing, err := scanDomainEvent(r.db.QueryRowContext(ctx,
		`SELECT `+domainEventColumns+` FROM domain_events WHERE dedupe_key = $1`, event.DedupeKey))
	if err != nil {
		return domain.DomainEvent{}, false, fmt.Errorf("load deduplicated event: %w", err)
	}
	return existing, false, nil
}

func (r *outboxRepository) Lease(ctx context.Context, now time.Time, leaseFor time.Duration, limit int) ([]domain.DomainEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		UPDATE domain_events
		SET status = 'PROCESSING', leased_until = $2, updated_at = $1
		WHERE id IN (
			SELECT id FROM domain_events
			WHERE `+leaseReadyClause+`
			ORDER BY created_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+domainEventColumns,
		now, now.Add(leaseFor), defaultLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("lease domain events: %w", err)
	}
	events, err := collectDomainEvents(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.Before(events[j].CreatedAt)
		}
		return events[i].ID < events[j].ID
	})
	return events, nil
}

func (r *outboxRepository) MarkDone(ctx context.Context, id string, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE domain_events
		SET status = 'DONE', leased_until = NULL, next_retry_at = NULL, updated_at = $2
		WHERE id = $1
	`, id, now)
	if err != nil {
		return fmt.Errorf("mark domain event done: %w", err)
	}
	return requireAffected(res)
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id string, failure domain.DeliveryFailure, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var nextRetry *time.Time
	if !failure.Terminal {
		nextRetry = &failure.NextRetryAt
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE domain_events
		SET status = CASE WHEN status = 'DONE' THEN status ELSE 'FAILED' END,
		    attempts = CASE WHEN status = 'DONE' THEN attempts ELSE $2 END,
		    terminal = CASE WHEN status = 'DONE' THEN terminal ELSE $3 END,
		    last_error = CASE WHEN status = 'DONE' THEN last_error ELSE $4 END,
		    next_retry_at = CASE WHEN status = 'DONE' THEN NULL ELSE $5 END,
		    leased_until = NULL,
		    updated_at = $6
		WHERE id = $1
	`, id, failure.Attempts, failure.Terminal, failure.Error, nullTime(nextRetry), now)
	if err != nil {
		return fmt.Errorf("mark domain event failed: %w", err)
	}
	return requireAffected(res)
}

func (r *outboxRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.DomainEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+domainEventColumns+` FROM domain_events WHERE order_id = $1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list domain events: %w", err)
	}
	return collectDomainEvents(rows)
}

func (r *outboxRepository) Stats(ctx context.Context) (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status IN ('NEW', 'PROCESSING') OR (status = 'FAILED' AND NOT terminal)),
			COUNT(*) FILTER (WHERE status = 'FAILED' AND NOT terminal),
			COUNT(*) FILTER (WHERE status = 'FAILED' AND terminal),
			MIN(created_at) FILTER (WHERE status IN ('NEW', 'PROCESSING') OR (status = 'FAILED' AND NOT terminal))
		FROM domain_events
	`).Scan(&stats.PendingCount, &stats.FailedCount, &stats.TerminalCount, &oldest)
	if err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDomainEvent(row rowScanner) (domain.DomainEvent, error) {
	var (
		ev          domain.DomainEvent
		typ, status string
		dedupe      sql.NullString
		payload     []byte
		nextRetry   sql.NullTime
		leased      sql.NullTime
	)
	if err := row.Scan(
		&ev.ID, &typ, &ev.OrderID, &dedupe, &payload, &status, &ev.Attempts,
		&nextRetry, &leased, &ev.Terminal, &ev.LastError, &ev.CreatedAt, &ev.UpdatedAt,
	); err != nil {
		return domain.DomainEvent{}, err
	}
	ev.Type = domain.EventType(typ)
	ev.Status = domain.EventStatus(status)
	ev.DedupeKey = dedupe.String
	ev.Payload = append([]byte(nil), payload...)
	ev.NextRetryAt = timePtr(nextRetry)
	ev.LeasedUntil = timePtr(leased)
	return ev, nil
}

func collectDomainEvents(rows *sql.Rows) ([]domain.DomainEvent, error) {
	defer rows.Close()

	result := make([]domain.DomainEvent, 0)
	for rows.Next() {
		ev, err := scanDomainEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan domain event: %w", err)
		}
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate domain events: %w", err)
	}
	return result, nil
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

var _ domain.DomainEventRepository = (*outboxRepository)(nil)
