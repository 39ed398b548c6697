package payretry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
	"github.com/vladislavdragonenkov/marketplace/internal/service/notify"
	"github.com/vladislavdragonenkov/marketplace/internal/service/statemachine"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
)

var start = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func newWorker(t *testing.T) (*Worker, domain.Store, *clock.Manual) {
	t.Helper()

	store := memory.NewStore()
	clk := clock.NewManual(start)
	m := metrics.NewLifecycleMetricsWithRegisterer(prometheus.NewRegistry())
	machine := statemachine.New(store.Orders, statemachine.WithClock(clk), statemachine.WithMetrics(m))

	require.NoError(t, store.Orders.Create(context.Background(), domain.Order{
		ID:       "o-1",
		Status:   domain.OrderStatusAwaitingPayment,
		Customer: domain.Contact{Phone: "380501234567"},
		Totals:   domain.Totals{Grand: decimal.NewFromInt(900)},
		Payment:  domain.Payment{CheckoutURL: "https://pay.local/o-1", CheckoutAmount: decimal.NewFromInt(900)},
		StatusHistory: []domain.StatusHistoryEntry{
			{At: start, From: domain.OrderStatusNew, To: domain.OrderStatusAwaitingPayment, Reason: "CHECKOUT_CREATED"},
		},
		CreatedAt: start.Add(-time.Minute),
	}))

	worker := NewWorker(store.Orders, machine, notify.NewService(store.Notifications, clk, nil),
		WithClock(clk), WithMetrics(m))
	return worker, store, clk
}

func reminders(t *testing.T, store domain.Store) []string {
	t.Helper()
	list, err := store.Notifications.ListByOrder(context.Background(), "o-1")
	require.NoError(t, err)
	keys := make([]string, 0, len(list))
	for _, n := range list {
		keys = append(keys, n.DedupeKey)
	}
	return keys
}

func TestWorker_RemindersByOffset(t *testing.T) {
	t.Parallel()

	worker, store, clk := newWorker(t)
	ctx := context.Background()

	clk.Advance(10 * time.Minute)
	report, err := worker.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Reminded)

	clk.Advance(25 * time.Minute)
	report, err = worker.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Reminded)

	// повтор в той же ступени ничего не делает
	report, err = worker.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Reminded)

	clk.Set(start.Add(7 * time.Hour))
	report, err = worker.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Reminded)

	require.Equal(t, []string{DedupeKey("o-1", "30m"), DedupeKey("o-1", "6h")}, reminders(t, store))

	order, err := store.Orders.Get(ctx, "o-1")
	require.NoError(t, err)
	require.Equal(t, 3, order.Payment.RemindersSent)
}

func TestWorker_CancelsAfterTimeout(t *testing.T) {
	t.Parallel()

	worker, store, clk := newWorker(t)
	ctx := context.Background()

	clk.Set(start.Add(24*time.Hour + time.Minute))
	report, err := worker.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, Report{Cancelled: 1}, report)

	order, err := store.Orders.Get(ctx, "o-1")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusCancelledAuto, order.Status)
	require.Equal(t, CancelReasonTimeout, order.CancelReason)
	require.NotNil(t, order.CancelledAt)
	require.Empty(t, reminders(t, store))

	// следующий проход заказ уже не видит
	clk.Advance(time.Hour)
	report, err = worker.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, Report{}, report)
}

func TestDedupeKey(t *testing.T) {
	require.Equal(t, "outbox:payretry:o-9:2h", DedupeKey("o-9", "2h"))
}
