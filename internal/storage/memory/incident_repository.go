package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type incidentRepositoryInMemory struct {
	mu      sync.Mutex
	records map[string]*domain.GuardIncident
}

// NewIncidentRepository создаёт in-memory хранилище guard-инцидентов.
func NewIncidentRepository() domain.IncidentRepository {
	return &incidentRepositoryInMemory{records: make(map[string]*domain.GuardIncident)}
}

func (r *incidentRepositoryInMemory) Upsert(_ context.Context, incident domain.GuardIncident, now time.Time) (domain.GuardIncident, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[incident.Key]
	if ok && rec.Active() {
		rec.Payload = incident.Payload
		rec.Severity = incident.Severity
		rec.UpdatedAt = now
		return *rec, false, nil
	}

	incident.Status = domain.IncidentOpen
	incident.OpenedAt = now
	incident.UpdatedAt = now
	incident.ResolvedAt = nil
	incident.MutedUntil = nil
	stored := incident
	r.records[incident.Key] = &stored
	return incident, true, nil
}

func (r *incidentRepositoryInMemory) Get(_ context.Context, key string) (domain.GuardIncident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[key]
	if !ok {
		return domain.GuardIncident{}, domain.ErrNotFound
	}
	return *rec, nil
}

func (r *incidentRepositoryInMemory) List(_ context.Context, statuses []domain.IncidentStatus) ([]domain.GuardIncident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]domain.GuardIncident, 0)
	for _, rec := range r.records {
		if len(statuses) > 0 && !containsIncidentStatus(statuses, rec.Status) {
			continue
		}
		result = append(result, *rec)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].OpenedAt.After(result[j].OpenedAt) })
	return result, nil
}

func (r *incidentRepositoryInMemory) Mute(_ context.Context, key string, until time.Time, now time.Time) (domain.GuardIncident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[key]
	if !ok {
		return domain.GuardIncident{}, domain.ErrNotFound
	}
	if !rec.Active() {
		return domain.GuardIncident{}, domain.ErrStatusConflict
	}
	rec.Status = domain.IncidentMuted
	rec.MutedUntil = domain.TimePtr(until)
	rec.UpdatedAt = now
	return *rec, nil
}

func (r *incidentRepositoryInMemory) Resolve(_ context.Context, key string, now time.Time) (domain.GuardIncident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[key]
	if !ok {
		return domain.GuardIncident{}, domain.ErrNotFound
	}
	if rec.Status == domain.IncidentResolved {
		return *rec, nil
	}
	rec.Status = domain.IncidentResolved
	rec.ResolvedAt = domain.TimePtr(now)
	rec.UpdatedAt = now
	return *rec, nil
}

func containsIncidentStatus(list []domain.IncidentStatus, s domain.IncidentStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var _ domain.IncidentRepository = (*incidentRepositoryInMemory)(nil)
