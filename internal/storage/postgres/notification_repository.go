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

const notificationColumns = `id, order_id, channel, recipient, template, payload, status, attempts, dedupe_key,
	next_retry_at, leased_until, terminal, last_error, sent_at, created_at, updated_at`

type notificationRepository struct {
	db *sql.DB
}

// NewNotificationRepository создаёт PostgreSQL-реализацию outbox уведомлений.
func NewNotificationRepository(store *Store) domain.NotificationRepository {
	return &notificationRepository{db: store.DB()}
}

func (r *notificationRepository) Enqueue(ctx context.Context, n domain.Notification) (domain.Notification, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	n.UpdatedAt = n.CreatedAt
	n.Status = domain.DeliveryPending

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO notifications (
			id, order_id, channel, recipient, template, payload, status, attempts, dedupe_key,
			next_retry_at, terminal, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,0,$8,$9,FALSE,$10,$11)
		ON CONFLICT (dedupe_key) DO NOTHING
	`,
		n.ID, n.OrderID, string(n.Channel), n.To, n.Template, nullJSON(n.Payload), string(n.Status),
		nullString(n.DedupeKey), nullTime(n.NextRetryAt), n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		return domain.Notification{}, false, fmt.Errorf("enqueue notification: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Notification{}, false, fmt.Errorf("notification rows affected: %w", err)
	}
	if affected == 1 {
		return n, true, nil
	}

	existing, err := scanNotification(r.db.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE dedupe_key = $1`, n.DedupeKey))
	if err != nil {
		return domain.Notification{}, false, fmt.Errorf("load deduplicated notification: %w", err)
	}
	return existing, false, nil
}

func (r *notificationRepository) Lease(ctx context.Context, now time.Time, leaseFor time.Duration, limit int) ([]domain.Notification, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		UPDATE notifications
		SET status = 'PROCESSING', leased_until = $2, updated_at = $1
		WHERE id IN (
			SELECT id FROM notifications
			WHERE `+leaseReadyClause+`
			ORDER BY created_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+notificationColumns,
		now, now.Add(leaseFor), defaultLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("lease notifications: %w", err)
	}
	result, err := collectNotifications(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (r *notificationRepository) MarkSent(ctx context.Context, id string, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE notifications
		SET status = 'SENT', attempts = attempts + 1, sent_at = $2,
		    leased_until = NULL, next_retry_at = NULL, updated_at = $2
		WHERE id = $1
	`, id, now)
	if err != nil {
		return fmt.Errorf("mark notification sent: %w", err)
	}
	return requireAffected(res)
}

func (r *notificationRepository) MarkFailed(ctx context.Context, id string, failure domain.DeliveryFailure, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var nextRetry *time.Time
	if !failure.Terminal {
		nextRetry = &failure.NextRetryAt
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE notifications
		SET status = 'FAILED', attempts = $2, terminal = $3, last_error = $4,
		    next_retry_at = $5, leased_until = NULL, updated_at = $6
		WHERE id = $1 AND status <> 'SENT'
	`, id, failure.Attempts, failure.Terminal, failure.Error, nullTime(nextRetry), now)
	if err != nil {
		return fmt.Errorf("mark notification failed: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		var exists bool
		if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM notifications WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("check notification exists: %w", err)
		}
		if !exists {
			return domain.ErrNotFound
		}
	}
	return nil
}

func (r *notificationRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Notification, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE order_id = $1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return collectNotifications(rows)
}

func scanNotification(row rowScanner) (domain.Notification, error) {
	var (
		n               domain.Notification
		channel, status string
		payload         []byte
		dedupe          sql.NullString
		nextRetry       sql.NullTime
		leased          sql.NullTime
		sentAt          sql.NullTime
	)
	if err := row.Scan(
		&n.ID, &n.OrderID, &channel, &n.To, &n.Template, &payload, &status, &n.Attempts, &dedupe,
		&nextRetry, &leased, &n.Terminal, &n.LastError, &sentAt, &n.CreatedAt, &n.UpdatedAt,
	); err != nil {
		return domain.Notification{}, err
	}
	n.Channel = domain.Channel(channel)
	n.Status = domain.DeliveryStatus(status)
	n.Payload = append([]byte(nil), payload...)
	n.DedupeKey = dedupe.String
	n.NextRetryAt = timePtr(nextRetry)
	n.LeasedUntil = timePtr(leased)
	n.SentAt = timePtr(sentAt)
	return n, nil
}

func collectNotifications(rows *sql.Rows) ([]domain.Notification, error) {
	defer rows.Close()

	result := make([]domain.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		result = append(result, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return result, nil
}

var _ domain.NotificationRepository = (*notificationRepository)(nil)
