package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const refundColumns = `id, order_id, user_id, reason, details, status, amount::text, created_at, resolved_at, approved_by, rejected_by`

type refundRepository struct {
	db *sql.DB
}

// NewRefundRepository создаёт PostgreSQL-хранилище заявок на возврат.
func NewRefundRepository(store *Store) domain.RefundRepository {
	return &refundRepository{db: store.DB()}
}

func (r *refundRepository) Create(ctx context.Context, refund domain.Refund) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if refund.ID == "" {
		refund.ID = uuid.NewString()
	}
	if refund.CreatedAt.IsZero() {
		refund.CreatedAt = time.Now().UTC()
	}
	if refund.Status == "" {
		refund.Status = domain.RefundRequested
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refunds (id, order_id, user_id, reason, details, status, amount, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		refund.ID, refund.OrderID, refund.UserID, refund.Reason, refund.Details,
		string(refund.Status), refund.Amount.StringFixed(2), refund.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateKey
		}
		return fmt.Errorf("insert refund: %w", err)
	}
	return nil
}

func (r *refundRepository) GetOpen(ctx context.Context, orderID string) (domain.Refund, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	refund, err := scanRefund(r.db.QueryRowContext(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE order_id = $1 AND status = 'REQUESTED'`, orderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Refund{}, domain.ErrNotFound
		}
		return domain.Refund{}, fmt.Errorf("get open refund: %w", err)
	}
	return refund, nil
}

func (r *refundRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Refund, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE order_id = $1 ORDER BY created_at, id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list refunds: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Refund, 0)
	for rows.Next() {
		refund, err := scanRefund(rows)
		if err != nil {
			return nil, fmt.Errorf("scan refund: %w", err)
		}
		result = append(result, refund)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refunds: %w", err)
	}
	return result, nil
}

func (r *refundRepository) Resolve(ctx context.Context, id string, status domain.RefundStatus, by string, at time.Time) (domain.Refund, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	approvedBy, rejectedBy := "", ""
	if status == domain.RefundApproved {
		approvedBy = by
	} else {
		rejectedBy = by
	}

	refund, err := scanRefund(r.db.QueryRowContext(ctx, `
		UPDATE refunds
		SET status = $2, resolved_at = $3, approved_by = $4, rejected_by = $5
		WHERE id = $1 AND status = 'REQUESTED'
		RETURNING `+refundColumns,
		id, string(status), at, approvedBy, rejectedBy,
	))
	if err == nil {
		return refund, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Refund{}, fmt.Errorf("resolve refund: %w", err)
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM refunds WHERE id = $1)`, id).Scan(&exists); err != nil {
		return domain.Refund{}, fmt.Errorf("check refund exists: %w", err)
	}
	if !exists {
		return domain.Refund{}, domain.ErrNotFound
	}
	return domain.Refund{}, domain.ErrStatusConflict
}

func scanRefund(row rowScanner) (domain.Refund, error) {
	var (
		refund   domain.Refund
		status   string
		amount   string
		resolved sql.NullTime
	)
	if err := row.Scan(&refund.ID, &refund.OrderID, &refund.UserID, &refund.Reason, &refund.Details,
		&status, &amount, &refund.CreatedAt, &resolved, &refund.ApprovedBy, &refund.RejectedBy); err != nil {
		return domain.Refund{}, err
	}
	refund.Status = domain.RefundStatus(status)
	refund.ResolvedAt = timePtr(resolved)
	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return domain.Refund{}, fmt.Errorf("parse refund amount %q: %w", amount, err)
	}
	refund.Amount = parsed
	return refund, nil
}

var _ domain.RefundRepository = (*refundRepository)(nil)
