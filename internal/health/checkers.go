package health

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type funcChecker struct {
	name  string
	probe func(ctx context.Context) error
}

// NewSimpleChecker превращает probe в Checker: ошибка означает unhealthy.
func NewSimpleChecker(name string, probe func(ctx context.Context) error) Checker {
	return funcChecker{name: name, probe: probe}
}

func (c funcChecker) Check(ctx context.Context) Check {
	start := time.Now()
	err := c.probe(ctx)
	check := Check{Name: c.name, Status: StatusHealthy, DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	return check
}

// OutboxChecker переводит сервис в degraded, если в outbox есть мёртвые
// события или старейшее ожидающее событие ждёт дольше MaxLag.
type OutboxChecker struct {
	Events domain.DomainEventRepository
	MaxLag time.Duration
	Clock  clock.Clock
}

func (c OutboxChecker) Check(ctx context.Context) Check {
	start := time.Now()
	stats, err := c.Events.Stats(ctx)
	check := Check{Name: "outbox", Status: StatusHealthy, DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
		return check
	}

	if stats.TerminalCount > 0 {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("%d dead events", stats.TerminalCount)
		return check
	}
	if c.MaxLag <= 0 || stats.OldestPendingAt.IsZero() {
		return check
	}
	if lag := clock.OrDefault(c.Clock).Now().Sub(stats.OldestPendingAt); lag > c.MaxLag {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("oldest pending event is %s old", lag.Truncate(time.Second))
	}
	return check
}
