package automation

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const defaultCustomerScanLimit = 5000

// ExpiredKeyCleaner удаляет протухшие idempotency-ключи.
type ExpiredKeyCleaner interface {
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// Report — итог прохода.
type Report struct {
	CustomersPruned int `json:"customers_pruned"`
	KeysDeleted     int `json:"keys_deleted"`
}

// Job поддерживает CRM-окна и чистит реестр идемпотентности.
type Job struct {
	customers domain.CustomerRepository
	cleaner   ExpiredKeyCleaner
	clock     clock.Clock
	logger    *log.Entry
}

// NewJob создаёт задачу автоматизации.
func NewJob(customers domain.CustomerRepository, cleaner ExpiredKeyCleaner, c clock.Clock, logger *log.Entry) *Job {
	if logger == nil {
		logger = log.WithField("component", "automation")
	}
	return &Job{customers: customers, cleaner: cleaner, clock: clock.OrDefault(c), logger: logger}
}

// Run выполняет один проход; используется планировщиком.
func (j *Job) Run(ctx context.Context) error {
	_, err := j.ProcessOnce(ctx)
	return err
}

// ProcessOnce обрезает счётчики возвратов и отказов до их окон и удаляет
// протухшие ключи идемпотентности.
func (j *Job) ProcessOnce(ctx context.Context) (Report, error) {
	now := j.clock.Now()
	var report Report

	customers, err := j.customers.List(ctx, defaultCustomerScanLimit)
	if err != nil {
		return report, fmt.Errorf("list customers: %w", err)
	}
	for _, c := range customers {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		probe := c
		if !probe.Prune(now) {
			continue
		}
		if _, err := j.customers.Upsert(ctx, c.Phone, func(stored *domain.Customer) {
			stored.Prune(now)
		}); err != nil {
			j.logger.WithError(err).WithField("phone", c.Phone).Warn("failed to prune customer windows")
			continue
		}
		report.CustomersPruned++
	}

	if j.cleaner != nil {
		deleted, err := j.cleaner.DeleteExpired(ctx, now)
		if err != nil {
			return report, fmt.Errorf("cleanup idempotency keys: %w", err)
		}
		report.KeysDeleted = deleted
	}

	if report.CustomersPruned > 0 || report.KeysDeleted > 0 {
		j.logger.WithFields(log.Fields{
			"customers_pruned": report.CustomersPruned,
			"keys_deleted":     report.KeysDeleted,
		}).Info("automation pass completed")
	}
	return report, nil
}
