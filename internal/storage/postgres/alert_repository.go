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

const alertColumns = `id, type, text, payload, reply_markup, dedupe_key, status, attempts,
	next_retry_at, leased_until, terminal, last_error, sent_at, created_at, updated_at`

type alertRepository struct {
	db *sql.DB
}

// NewAlertRepository создаёт PostgreSQL-реализацию очереди алертов.
func NewAlertRepository(store *Store) domain.AlertRepository {
	return &alertRepository{db: store.DB()}
}

func (r *alertRepository) Enqueue(ctx context.Context, alert domain.AdminAlert) (domain.AdminAlert, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	alert.UpdatedAt = alert.CreatedAt
	alert.Status = domain.DeliveryPending

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO admin_alerts (
			id, type, text, payload, reply_markup, dedupe_key, status, attempts, next_retry_at, terminal, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,0,$8,FALSE,$9,$10)
		ON CONFLICT (dedupe_key) DO NOTHING
	`,
		alert.ID, string(alert.Type), alert.Text, nullJSON(alert.Payload), nullJSON(alert.ReplyMarkup),
		nullString(alert.DedupeKey), string(alert.Status), nullTime(alert.NextRetryAt), alert.CreatedAt, alert.UpdatedAt,
	)
	if err != nil {
		return domain.AdminAlert{}, false, fmt.Errorf("enqueue alert: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.AdminAlert{}, false, fmt.Errorf("alert rows affected: %w", err)
	}
	if affected == 1 {
		return alert, true, nil
	}

	existing, err := scanAlert(r.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM admin_alerts WHERE dedupe_key = $1`, alert.DedupeKey))
	if err != nil {
		return domain.AdminAlert{}, false, fmt.Errorf("load deduplicated alert: %w", err)
	}
	return existing, false, nil
}

func (r *alertRepository) Lease(ctx context.Context, now time.Time, leaseFor time.Duration, limit int) ([]domain.AdminAlert, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		UPDATE admin_alerts
		SET status = 'PROCESSING', leased_until = $2, updated_at = $1
		WHERE id IN (
			SELECT id FROM admin_alerts
			WHERE `+leaseReadyClause+`
			ORDER BY created_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+alertColumns,
		now, now.Add(leaseFor), defaultLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("lease alerts: %w", err)
	}
	defer rows.Close()

	result := make([]domain.AdminAlert, 0)
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (r *alertRepository) MarkSent(ctx context.Context, id string, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE admin_alerts
		SET status = 'SENT', attempts = attempts + 1, sent_at = $2,
		    leased_until = NULL, next_retry_at = NULL, updated_at = $2
		WHERE id = $1
	`, id, now)
	if err != nil {
		return fmt.Errorf("mark alert sent: %w", err)
	}
	return requireAffected(res)
}

func (r *alertRepository) MarkFailed(ctx context.Context, id string, failure domain.DeliveryFailure, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var nextRetry *time.Time
	if !failure.Terminal {
		nextRetry = &failure.NextRetryAt
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE admin_alerts
		SET status = 'FAILED', attempts = $2, terminal = $3, last_error = $4,
		    next_retry_at = $5, leased_until = NULL, updated_at = $6
		WHERE id = $1
	`, id, failure.Attempts, failure.Terminal, failure.Error, nullTime(nextRetry), now)
	if err != nil {
		return fmt.Errorf("mark alert failed: %w", err)
	}
	return requireAffected(res)
}

func (r *alertRepository) Defer(ctx context.Context, id string, until time.Time, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE admin_alerts
		SET status = 'PENDING', next_retry_at = $2, leased_until = NULL, updated_at = $3
		WHERE id = $1
	`, id, until, now)
	if err != nil {
		return fmt.Errorf("defer alert: %w", err)
	}
	return requireAffected(res)
}

func scanAlert(row rowScanner) (domain.AdminAlert, error) {
	var (
		a              domain.AdminAlert
		typ, status    string
		payload, reply []byte
		dedupe         sql.NullString
		nextRetry      sql.NullTime
		leased         sql.NullTime
		sentAt         sql.NullTime
	)
	if err := row.Scan(
		&a.ID, &typ, &a.Text, &payload, &reply, &dedupe, &status, &a.Attempts,
		&nextRetry, &leased, &a.Terminal, &a.LastError, &sentAt, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return domain.AdminAlert{}, err
	}
	a.Type = domain.AlertType(typ)
	a.Status = domain.DeliveryStatus(status)
	a.Payload = append([]byte(nil), payload...)
	a.ReplyMarkup = append([]byte(nil), reply...)
	a.DedupeKey = dedupe.String
	a.NextRetryAt = timePtr(nextRetry)
	a.LeasedUntil = timePtr(leased)
	a.SentAt = timePtr(sentAt)
	return a, nil
}

var _ domain.AlertRepository = (*alertRepository)(nil)
