package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type customerRepository struct {
	db *sql.DB
}

// NewCustomerRepository создаёт PostgreSQL-реализацию CRM.
func NewCustomerRepository(store *Store) domain.CustomerRepository {
	return &customerRepository{db: store.DB()}
}

func (r *customerRepository) Get(ctx context.Context, phone string) (domain.Customer, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var doc []byte
	err := r.db.QueryRowContext(ctx, `SELECT doc FROM customers WHERE phone = $1`, domain.NormalizePhone(phone)).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Customer{}, domain.ErrNotFound
		}
		return domain.Customer{}, fmt.Errorf("get customer: %w", err)
	}
	return decodeCustomer(doc)
}

// Upsert создаёт профиль (ON CONFLICT DO NOTHING) и применяет mutate под FOR UPDATE.
func (r *customerRepository) Upsert(ctx context.Context, phone string, mutate func(c *domain.Customer)) (customer domain.Customer, err error) {
	key := domain.NormalizePhone(phone)
	if key == "" {
		return domain.Customer{}, domain.ErrPhoneRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Customer{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	seed, err := json.Marshal(domain.Customer{Phone: key, UpdatedAt: now})
	if err != nil {
		return domain.Customer{}, fmt.Errorf("marshal customer: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO customers (phone, doc, updated_at) VALUES ($1,$2,$3)
		ON CONFLICT (phone) DO NOTHING
	`, key, seed, now); err != nil {
		return domain.Customer{}, fmt.Errorf("seed customer: %w", err)
	}

	var doc []byte
	if err = tx.QueryRowContext(ctx, `SELECT doc FROM customers WHERE phone = $1 FOR UPDATE`, key).Scan(&doc); err != nil {
		return domain.Customer{}, fmt.Errorf("lock customer: %w", err)
	}
	customer, err = decodeCustomer(doc)
	if err != nil {
		return domain.Customer{}, err
	}
	if mutate != nil {
		mutate(&customer)
	}
	customer.Phone = key
	customer.UpdatedAt = now

	next, err := json.Marshal(customer)
	if err != nil {
		return domain.Customer{}, fmt.Errorf("marshal customer: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `UPDATE customers SET doc = $2, updated_at = $3 WHERE phone = $1`, key, next, now); err != nil {
		return domain.Customer{}, fmt.Errorf("update customer: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return domain.Customer{}, fmt.Errorf("commit customer: %w", err)
	}
	return customer, nil
}

func (r *customerRepository) List(ctx context.Context, limit int) ([]domain.Customer, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `SELECT doc FROM customers ORDER BY phone`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Customer, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan customer: %w", err)
		}
		c, err := decodeCustomer(doc)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate customers: %w", err)
	}
	return result, nil
}

func decodeCustomer(doc []byte) (domain.Customer, error) {
	var c domain.Customer
	if err := json.Unmarshal(doc, &c); err != nil {
		return domain.Customer{}, fmt.Errorf("decode customer document: %w", err)
	}
	return c, nil
}

var _ domain.CustomerRepository = (*customerRepository)(nil)
