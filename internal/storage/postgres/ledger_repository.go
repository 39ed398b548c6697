package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type ledgerRepository struct {
	db *sql.DB
}

// NewLedgerRepository создаёт PostgreSQL-журнал проводок.
func NewLedgerRepository(store *Store) domain.LedgerRepository {
	return &ledgerRepository{db: store.DB()}
}

func (r *ledgerRepository) Append(ctx context.Context, entry domain.LedgerEntry) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Direction == "" {
		entry.Direction = entry.Type.DirectionOf()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	var meta []byte
	if len(entry.Meta) > 0 {
		raw, err := json.Marshal(entry.Meta)
		if err != nil {
			return false, fmt.Errorf("marshal ledger meta: %w", err)
		}
		meta = raw
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, order_id, type, direction, amount, meta, dedupe_key, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (dedupe_key) DO NOTHING
	`,
		entry.ID, entry.OrderID, string(entry.Type), string(entry.Direction), entry.Amount.StringFixed(2),
		nullJSON(meta), nullString(entry.DedupeKey), entry.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("append ledger entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ledger rows affected: %w", err)
	}
	return affected == 1, nil
}

func (r *ledgerRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.LedgerEntry, error) {
	return r.query(ctx, `
		SELECT id, order_id, type, direction, amount::text, meta, dedupe_key, created_at
		FROM ledger_entries
		WHERE order_id = $1
		ORDER BY created_at, id
	`, orderID)
}

func (r *ledgerRepository) List(ctx context.Context, from, to time.Time) ([]domain.LedgerEntry, error) {
	return r.query(ctx, `
		SELECT id, order_id, type, direction, amount::text, meta, dedupe_key, created_at
		FROM ledger_entries
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at, id
	`, from, to)
}

func (r *ledgerRepository) query(ctx context.Context, query string, args ...any) ([]domain.LedgerEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	result := make([]domain.LedgerEntry, 0)
	for rows.Next() {
		var (
			e              domain.LedgerEntry
			typ, direction string
			amount         string
			meta           []byte
			dedupe         sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.OrderID, &typ, &direction, &amount, &meta, &dedupe, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Type = domain.LedgerType(typ)
		e.Direction = domain.Direction(direction)
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse ledger amount %q: %w", amount, err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Meta); err != nil {
				return nil, fmt.Errorf("decode ledger meta: %w", err)
			}
		}
		e.DedupeKey = dedupe.String
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entries: %w", err)
	}
	return result, nil
}

var _ domain.LedgerRepository = (*ledgerRepository)(nil)
