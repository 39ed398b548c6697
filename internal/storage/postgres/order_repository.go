package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// orderRepository хранит заказ целиком в JSONB-документе doc; колонки
// status, version, ttn, city и т.д. дублируются для фильтров и CAS.
type orderRepository struct {
	store *Store
	db    *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{store: store, db: store.DB()}
}

func (r *orderRepository) Create(ctx context.Context, order domain.Order) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	doc, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, user_id, status, version, phone, city, ttn, payment_provider, doc, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		order.ID, order.UserID, string(order.Status), order.Version,
		domain.NormalizePhone(order.Customer.Phone), strings.ToLower(strings.TrimSpace(order.Shipment.City)),
		order.Shipment.TTN, order.Payment.Provider, doc, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("order %s: %w", order.ID, domain.ErrDuplicateKey)
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var doc []byte
	err := r.db.QueryRowContext(ctx, `SELECT doc FROM orders WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}
	return decodeOrder(doc)
}

func (r *orderRepository) CompareAndSwapStatus(ctx context.Context, id string, from domain.OrderStatus, mutate domain.OrderMutation) (domain.Order, error) {
	return r.update(ctx, id, &from, mutate)
}

func (r *orderRepository) Update(ctx context.Context, id string, mutate domain.OrderMutation) (domain.Order, error) {
	return r.update(ctx, id, nil, mutate)
}

// update выполняет read-modify-write под SELECT ... FOR UPDATE.
// from == nil означает обновление без условия на статус.
func (r *orderRepository) update(ctx context.Context, id string, from *domain.OrderStatus, mutate domain.OrderMutation) (order domain.Order, err error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var doc []byte
	err = tx.QueryRowContext(ctx, `SELECT doc FROM orders WHERE id = $1 FOR UPDATE`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("lock order: %w", err)
	}

	current, err := decodeOrder(doc)
	if err != nil {
		return domain.Order{}, err
	}
	if from != nil && current.Status != *from {
		return domain.Order{}, domain.ErrStatusConflict
	}

	next := current.Clone()
	if mutate != nil {
		if err = mutate(&next); err != nil {
			return domain.Order{}, err
		}
	}
	next.ID = current.ID
	if from == nil {
		next.Status = current.Status
	}
	next.Version = current.Version + 1
	if next.UpdatedAt.IsZero() || next.UpdatedAt.Before(current.UpdatedAt) {
		next.UpdatedAt = time.Now().UTC()
	}

	nextDoc, err := json.Marshal(next)
	if err != nil {
		return domain.Order{}, fmt.Errorf("marshal order: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET user_id = $1,
		    status = $2,
		    version = $3,
		    phone = $4,
		    city = $5,
		    ttn = $6,
		    payment_provider = $7,
		    doc = $8,
		    updated_at = $9
		WHERE id = $10
		  AND status = $11
		  AND version = $12
	`,
		next.UserID, string(next.Status), next.Version,
		domain.NormalizePhone(next.Customer.Phone), strings.ToLower(strings.TrimSpace(next.Shipment.City)),
		next.Shipment.TTN, next.Payment.Provider, nextDoc, next.UpdatedAt,
		id, string(current.Status), current.Version,
	)
	if err != nil {
		return domain.Order{}, fmt.Errorf("update order: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Order{}, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.Order{}, domain.ErrStatusConflict
	}

	if err = tx.Commit(); err != nil {
		return domain.Order{}, fmt.Errorf("commit order update: %w", err)
	}
	return next, nil
}

func (r *orderRepository) List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			statuses = append(statuses, string(s))
		}
		add("status = ANY($%d)", r.store.textArray(statuses))
	}
	if !filter.CreatedFrom.IsZero() {
		add("created_at >= $%d", filter.CreatedFrom)
	}
	if !filter.CreatedTo.IsZero() {
		add("created_at < $%d", filter.CreatedTo)
	}
	if filter.HasTTN != nil {
		if *filter.HasTTN {
			where = append(where, "ttn <> ''")
		} else {
			where = append(where, "ttn = ''")
		}
	}
	if filter.PaymentProvider {
		where = append(where, "payment_provider <> ''")
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.City != "" {
		add("city = $%d", strings.ToLower(strings.TrimSpace(filter.City)))
	}

	query := `SELECT doc FROM orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		order, err := decodeOrder(doc)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}
	return orders, nil
}

func decodeOrder(doc []byte) (domain.Order, error) {
	var order domain.Order
	if err := json.Unmarshal(doc, &order); err != nil {
		return domain.Order{}, fmt.Errorf("decode order document: %w", err)
	}
	return order, nil
}

var _ domain.OrderRepository = (*orderRepository)(nil)
