package timeline

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
)

var start = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, domain.Store, *clock.Manual) {
	t.Helper()
	store := memory.NewStore()
	clk := clock.NewManual(start)
	return NewService(Deps{
		Orders:        store.Orders,
		Events:        store.Events,
		Notifications: store.Notifications,
		Ledger:        store.Ledger,
		Refunds:       store.Refunds,
	}, clk, nil), store, clk
}

func TestBuild_MergesSourcesByTime(t *testing.T) {
	t.Parallel()

	svc, store, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, store.Orders.Create(ctx, domain.Order{
		ID:       "o-1",
		Status:   domain.OrderStatusPaid,
		Customer: domain.Contact{Phone: "380501234567"},
		StatusHistory: []domain.StatusHistoryEntry{
			{At: start.Add(time.Minute), From: domain.OrderStatusNew, To: domain.OrderStatusAwaitingPayment, Reason: "CHECKOUT_CREATED"},
			{At: start.Add(3 * time.Minute), From: domain.OrderStatusAwaitingPayment, To: domain.OrderStatusPaid, Reason: "PAYMENT_CONFIRMED"},
		},
		CreatedAt: start,
	}))
	_, err := store.Ledger.Append(ctx, domain.LedgerEntry{
		ID:        "l-1",
		OrderID:   "o-1",
		Type:      domain.LedgerSaleIn,
		Direction: domain.DirectionIn,
		Amount:    decimal.NewFromInt(900),
		DedupeKey: "SALE_IN:o-1",
		CreatedAt: start.Add(2 * time.Minute),
	})
	require.NoError(t, err)

	tl, err := svc.Build(ctx, "o-1")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPaid, tl.Status)
	require.Len(t, tl.Entries, 3)
	require.Equal(t, domain.TimelineStatus, tl.Entries[0].Kind)
	require.Equal(t, domain.TimelineLedger, tl.Entries[1].Kind)
	require.Equal(t, "IN 900.00", tl.Entries[1].Summary)
	require.Equal(t, string(domain.OrderStatusPaid), tl.Entries[2].Type)

	_, err = svc.Build(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestTracking_PickupState(t *testing.T) {
	t.Parallel()

	svc, store, clk := newService(t)
	ctx := context.Background()

	require.NoError(t, store.Orders.Create(ctx, domain.Order{
		ID:       "o-2",
		Status:   domain.OrderStatusShipped,
		Customer: domain.Contact{Phone: "380501234567"},
		Shipment: domain.Shipment{
			TTN:             "20450000000009",
			PickupPointType: domain.PickupPointLocker,
			ArrivalAt:       domain.TimePtr(start),
		},
		CreatedAt: start.Add(-48 * time.Hour),
	}))

	clk.Set(start.Add(3 * 24 * time.Hour))
	tr, err := svc.Tracking(ctx, "o-2")
	require.NoError(t, err)
	require.NotNil(t, tr.Pickup)
	require.Equal(t, 3, tr.Pickup.DaysAtPoint)
	require.Equal(t, "L3", tr.Pickup.Level)
	require.Equal(t, "20450000000009", tr.Shipment.TTN)
}
