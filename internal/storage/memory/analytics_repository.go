package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type analyticsRepositoryInMemory struct {
	mu      sync.Mutex
	daily   map[string]domain.AnalyticsDaily
	cohorts map[string]domain.AnalyticsCohort
}

// NewAnalyticsRepository создаёт in-memory хранилище аналитики.
func NewAnalyticsRepository() domain.AnalyticsRepository {
	return &analyticsRepositoryInMemory{
		daily:   make(map[string]domain.AnalyticsDaily),
		cohorts: make(map[string]domain.AnalyticsCohort),
	}
}

func (r *analyticsRepositoryInMemory) UpsertDaily(_ context.Context, day domain.AnalyticsDaily) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.daily[day.Date] = day
	return nil
}

// ListDaily возвращает снимки с from по to включительно (даты YYYY-MM-DD).
func (r *analyticsRepositoryInMemory) ListDaily(_ context.Context, from, to string) ([]domain.AnalyticsDaily, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]domain.AnalyticsDaily, 0)
	for date, day := range r.daily {
		if (from != "" && date < from) || (to != "" && date > to) {
			continue
		}
		result = append(result, day)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Date < result[j].Date })
	return result, nil
}

func (r *analyticsRepositoryInMemory) UpsertCohort(_ context.Context, cohort domain.AnalyticsCohort) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cohorts[cohort.Cohort] = cohort
	return nil
}

func (r *analyticsRepositoryInMemory) ListCohorts(_ context.Context) ([]domain.AnalyticsCohort, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]domain.AnalyticsCohort, 0, len(r.cohorts))
	for _, c := range r.cohorts {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Cohort < result[j].Cohort })
	return result, nil
}

var _ domain.AnalyticsRepository = (*analyticsRepositoryInMemory)(nil)
