package automation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/service/idempotency"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
)

func TestJob_PrunesWindowsAndKeys(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	store := memory.NewStore()
	clk := clock.NewManual(now)
	ctx := context.Background()

	_, err := store.Customers.Upsert(ctx, "380501234567", func(c *domain.Customer) {
		c.CODRefusals = []time.Time{now.Add(-45 * 24 * time.Hour), now.Add(-time.Hour)}
	})
	require.NoError(t, err)
	_, err = store.Customers.Upsert(ctx, "380671112233", func(c *domain.Customer) {
		c.Returns = []time.Time{now.Add(-10 * 24 * time.Hour)}
	})
	require.NoError(t, err)

	_, err = store.Idempotency.CreateProcessing(ctx, "expired", "h", now.Add(-time.Minute))
	require.NoError(t, err)
	_, err = store.Idempotency.CreateProcessing(ctx, "alive", "h", now.Add(time.Hour))
	require.NoError(t, err)

	cleaner := idempotency.NewCleanupWorker(store.Idempotency, idempotency.WithClock(clk))
	job := NewJob(store.Customers, cleaner, clk, nil)

	report, err := job.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, Report{CustomersPruned: 1, KeysDeleted: 1}, report)

	customer, err := store.Customers.Get(ctx, "380501234567")
	require.NoError(t, err)
	require.Len(t, customer.CODRefusals, 1)

	_, err = store.Idempotency.Get(ctx, "alive")
	require.NoError(t, err)

	report, err = job.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, report.CustomersPruned)
}
