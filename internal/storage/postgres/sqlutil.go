package postgres

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

const uniqueViolationCode = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolationCode
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolationCode
	}
	return false
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// nullJSON возвращает nil для пустого payload, чтобы не писать '' в JSONB.
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func defaultLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

// leaseReadyClause — условие готовности записи очереди к аренде ($1 = now).
const leaseReadyClause = `(
		(status IN ('NEW', 'PENDING') AND (next_retry_at IS NULL OR next_retry_at <= $1))
		OR (status = 'FAILED' AND NOT terminal AND next_retry_at IS NOT NULL AND next_retry_at <= $1)
		OR (status = 'PROCESSING' AND leased_until < $1)
	)`

func rowsAffected(res sql.Result) (int, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}
