package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type analyticsRepository struct {
	db *sql.DB
}

// NewAnalyticsRepository создаёт PostgreSQL-хранилище аналитических снимков.
func NewAnalyticsRepository(store *Store) domain.AnalyticsRepository {
	return &analyticsRepository{db: store.DB()}
}

func (r *analyticsRepository) UpsertDaily(ctx context.Context, day domain.AnalyticsDaily) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	doc, err := json.Marshal(day)
	if err != nil {
		return fmt.Errorf("marshal analytics day: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO analytics_daily (date, doc, computed_at) VALUES ($1,$2,$3)
		ON CONFLICT (date) DO UPDATE SET doc = EXCLUDED.doc, computed_at = EXCLUDED.computed_at
	`, day.Date, doc, day.ComputedAt)
	if err != nil {
		return fmt.Errorf("upsert analytics day: %w", err)
	}
	return nil
}

func (r *analyticsRepository) ListDaily(ctx context.Context, from, to string) ([]domain.AnalyticsDaily, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT doc FROM analytics_daily
		WHERE ($1 = '' OR date >= $1) AND ($2 = '' OR date <= $2)
		ORDER BY date
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("list analytics days: %w", err)
	}
	defer rows.Close()

	result := make([]domain.AnalyticsDaily, 0)
	for rows.Next() {
		var (
			doc []byte
			day domain.AnalyticsDaily
		)
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan analytics day: %w", err)
		}
		if err := json.Unmarshal(doc, &day); err != nil {
			return nil, fmt.Errorf("decode analytics day: %w", err)
		}
		result = append(result, day)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate analytics days: %w", err)
	}
	return result, nil
}

func (r *analyticsRepository) UpsertCohort(ctx context.Context, cohort domain.AnalyticsCohort) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	doc, err := json.Marshal(cohort)
	if err != nil {
		return fmt.Errorf("marshal cohort: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO analytics_cohorts (cohort, doc, computed_at) VALUES ($1,$2,$3)
		ON CONFLICT (cohort) DO UPDATE SET doc = EXCLUDED.doc, computed_at = EXCLUDED.computed_at
	`, cohort.Cohort, doc, cohort.ComputedAt)
	if err != nil {
		return fmt.Errorf("upsert cohort: %w", err)
	}
	return nil
}

func (r *analyticsRepository) ListCohorts(ctx context.Context) ([]domain.AnalyticsCohort, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT doc FROM analytics_cohorts ORDER BY cohort`)
	if err != nil {
		return nil, fmt.Errorf("list cohorts: %w", err)
	}
	defer rows.Close()

	result := make([]domain.AnalyticsCohort, 0)
	for rows.Next() {
		var (
			doc    []byte
			cohort domain.AnalyticsCohort
		)
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan cohort: %w", err)
		}
		if err := json.Unmarshal(doc, &cohort); err != nil {
			return nil, fmt.Errorf("decode cohort: %w", err)
		}
		result = append(result, cohort)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cohorts: %w", err)
	}
	return result, nil
}

var _ domain.AnalyticsRepository = (*analyticsRepository)(nil)
