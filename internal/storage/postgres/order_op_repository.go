package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type orderOpRepository struct {
	db *sql.DB
}

// NewOrderOpRepository создаёт PostgreSQL-реализацию операционных блокировок.
func NewOrderOpRepository(store *Store) domain.OrderOpRepository {
	return &orderOpRepository{db: store.DB()}
}

// Acquire опирается на PRIMARY KEY (order_id, op): вставка проходит только у
// одного конкурента, протухшая запись перезаписывается условным upsert.
func (r *orderOpRepository) Acquire(ctx context.Context, orderID, op string, now time.Time, staleAfter time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		res sql.Result
		err error
	)
	if staleAfter > 0 {
		res, err = r.db.ExecContext(ctx, `
			INSERT INTO order_ops (order_id, op, acquired_at) VALUES ($1,$2,$3)
			ON CONFLICT (order_id, op) DO UPDATE SET acquired_at = EXCLUDED.acquired_at
			WHERE order_ops.acquired_at <= $4
		`, orderID, op, now, now.Add(-staleAfter))
	} else {
		res, err = r.db.ExecContext(ctx, `
			INSERT INTO order_ops (order_id, op, acquired_at) VALUES ($1,$2,$3)
			ON CONFLICT (order_id, op) DO NOTHING
		`, orderID, op, now)
	}
	if err != nil {
		return false, fmt.Errorf("acquire order op %s/%s: %w", orderID, op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("order op rows affected: %w", err)
	}
	return affected == 1, nil
}

func (r *orderOpRepository) Release(ctx context.Context, orderID, op string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM order_ops WHERE order_id = $1 AND op = $2`, orderID, op); err != nil {
		return fmt.Errorf("release order op %s/%s: %w", orderID, op, err)
	}
	return nil
}

var _ domain.OrderOpRepository = (*orderOpRepository)(nil)
