package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const incidentColumns = `key, type, severity, status, entity, payload, muted_until, opened_at, updated_at, resolved_at`

type incidentRepository struct {
	store *Store
	db    *sql.DB
}

// NewIncidentRepository создаёт PostgreSQL-хранилище guard-инцидентов.
func NewIncidentRepository(store *Store) domain.IncidentRepository {
	return &incidentRepository{store: store, db: store.DB()}
}

// Upsert открывает инцидент; активный обновляется, решённый переоткрывается.
func (r *incidentRepository) Upsert(ctx context.Context, incident domain.GuardIncident, now time.Time) (domain.GuardIncident, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var created bool
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO guard_incidents (key, type, severity, status, entity, payload, opened_at, updated_at)
		VALUES ($1,$2,$3,'OPEN',$4,$5,$6,$6)
		ON CONFLICT (key) DO UPDATE SET
			severity = EXCLUDED.severity,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at,
			status = CASE WHEN guard_incidents.status = 'RESOLVED' THEN 'OPEN' ELSE guard_incidents.status END,
			opened_at = CASE WHEN guard_incidents.status = 'RESOLVED' THEN EXCLUDED.opened_at ELSE guard_incidents.opened_at END,
			muted_until = CASE WHEN guard_incidents.status = 'RESOLVED' THEN NULL ELSE guard_incidents.muted_until END,
			resolved_at = CASE WHEN guard_incidents.status = 'RESOLVED' THEN NULL ELSE guard_incidents.resolved_at END
		RETURNING `+incidentColumns+`, (opened_at = $6)
	`,
		incident.Key, incident.Type, string(incident.Severity), incident.Entity, nullJSON(incident.Payload), now,
	)
	stored, err := scanIncident(row, &created)
	if err != nil {
		return domain.GuardIncident{}, false, fmt.Errorf("upsert incident: %w", err)
	}
	return stored, created, nil
}

func (r *incidentRepository) Get(ctx context.Context, key string) (domain.GuardIncident, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	incident, err := scanIncident(r.db.QueryRowContext(ctx,
		`SELECT `+incidentColumns+` FROM guard_incidents WHERE key = $1`, key), nil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.GuardIncident{}, domain.ErrNotFound
		}
		return domain.GuardIncident{}, fmt.Errorf("get incident: %w", err)
	}
	return incident, nil
}

func (r *incidentRepository) List(ctx context.Context, statuses []domain.IncidentStatus) ([]domain.GuardIncident, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `SELECT ` + incidentColumns + ` FROM guard_incidents`
	var args []any
	if len(statuses) > 0 {
		values := make([]string, 0, len(statuses))
		for _, s := range statuses {
			values = append(values, string(s))
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, r.store.textArray(values))
	}
	query += ` ORDER BY opened_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	result := make([]domain.GuardIncident, 0)
	for rows.Next() {
		incident, err := scanIncident(rows, nil)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		result = append(result, incident)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incidents: %w", err)
	}
	return result, nil
}

func (r *incidentRepository) Mute(ctx context.Context, key string, until time.Time, now time.Time) (domain.GuardIncident, error) {
	return r.transition(ctx, key, `
		UPDATE guard_incidents
		SET status = 'MUTED', muted_until = $2, updated_at = $3
		WHERE key = $1 AND status IN ('OPEN', 'MUTED')
		RETURNING `+incidentColumns, until, now)
}

func (r *incidentRepository) Resolve(ctx context.Context, key string, now time.Time) (domain.GuardIncident, error) {
	incident, err := r.transition(ctx, key, `
		UPDATE guard_incidents
		SET status = 'RESOLVED', resolved_at = $2, updated_at = $2
		WHERE key = $1 AND status IN ('OPEN', 'MUTED')
		RETURNING `+incidentColumns, now)
	if errors.Is(err, domain.ErrStatusConflict) {
		return r.Get(ctx, key)
	}
	return incident, err
}

func (r *incidentRepository) transition(ctx context.Context, key, query string, args ...any) (domain.GuardIncident, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	incident, err := scanIncident(r.db.QueryRowContext(ctx, query, append([]any{key}, args...)...), nil)
	if err == nil {
		return incident, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.GuardIncident{}, fmt.Errorf("update incident %s: %w", key, err)
	}
	if _, getErr := r.Get(ctx, key); getErr != nil {
		return domain.GuardIncident{}, getErr
	}
	return domain.GuardIncident{}, domain.ErrStatusConflict
}

// scanIncident при created != nil дополнительно читает флаг создания из RETURNING.
func scanIncident(row rowScanner, created *bool) (domain.GuardIncident, error) {
	var (
		incident         domain.GuardIncident
		severity, status string
		payload          []byte
		muted, resolved  sql.NullTime
	)
	dest := []any{&incident.Key, &incident.Type, &severity, &status, &incident.Entity, &payload,
		&muted, &incident.OpenedAt, &incident.UpdatedAt, &resolved}
	if created != nil {
		dest = append(dest, created)
	}
	if err := row.Scan(dest...); err != nil {
		return domain.GuardIncident{}, err
	}
	incident.Severity = domain.Severity(severity)
	incident.Status = domain.IncidentStatus(status)
	incident.Payload = append([]byte(nil), payload...)
	incident.MutedUntil = timePtr(muted)
	incident.ResolvedAt = timePtr(resolved)
	return incident, nil
}

var _ domain.IncidentRepository = (*incidentRepository)(nil)
