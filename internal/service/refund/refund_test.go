package refund

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
	"github.com/vladislavdragonenkov/marketplace/internal/service/alerts"
	"github.com/vladislavdragonenkov/marketplace/internal/service/notify"
	"github.com/vladislavdragonenkov/marketplace/internal/service/payment"
	"github.com/vladislavdragonenkov/marketplace/internal/service/statemachine"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
)

var start = time.Date(2024, 6, 20, 10, 0, 0, 0, time.UTC)

type fixture struct {
	svc      *Service
	store    domain.Store
	provider *payment.MockProvider
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	store := memory.NewStore()
	clk := clock.NewManual(start)
	provider := payment.NewMockProvider()
	m := metrics.NewLifecycleMetricsWithRegisterer(prometheus.NewRegistry())
	svc := NewService(Deps{
		Orders:        store.Orders,
		Refunds:       store.Refunds,
		Ledger:        store.Ledger,
		Machine:       statemachine.New(store.Orders, statemachine.WithClock(clk), statemachine.WithMetrics(m)),
		Notifications: notify.NewService(store.Notifications, clk, nil),
		Alerts:        alerts.NewQueue(store.Alerts, clk, nil),
		Providers:     map[string]domain.PaymentProvider{provider.Name(): provider},
	}, clk, nil)
	return fixture{svc: svc, store: store, provider: provider}
}

func (f fixture) createOrder(t *testing.T, id string, status domain.OrderStatus, prepaid bool) {
	t.Helper()
	order := domain.Order{
		ID:        id,
		UserID:    "u-1",
		Status:    status,
		Customer:  domain.Contact{Phone: "380501234567"},
		Totals:    domain.Totals{Grand: decimal.NewFromInt(1500)},
		CreatedAt: start.Add(-10 * 24 * time.Hour),
	}
	if prepaid {
		order.Payment = domain.Payment{
			Provider:        "mock",
			ProviderOrderID: id + "_1",
			PaidAt:          domain.TimePtr(start.Add(-9 * 24 * time.Hour)),
			PaidAmount:      decimal.NewFromInt(1500),
		}
	}
	require.NoError(t, f.store.Orders.Create(context.Background(), order))
}

func TestService_HappyPath(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.createOrder(t, "o-1", domain.OrderStatusDelivered, true)
	ctx := context.Background()

	refund, err := f.svc.Request(ctx, "o-1", Requester{UserID: "u-1"}, "damaged", "box crushed")
	require.NoError(t, err)
	require.Equal(t, domain.RefundRequested, refund.Status)
	require.True(t, refund.Amount.Equal(decimal.NewFromInt(1500)))

	order, err := f.store.Orders.Get(ctx, "o-1")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusRefundRequested, order.Status)

	approved, err := f.svc.Approve(ctx, "o-1", "admin-1")
	require.NoError(t, err)
	require.Equal(t, domain.RefundApproved, approved.Status)
	require.Equal(t, "admin-1", approved.ApprovedBy)

	order, err = f.store.Orders.Get(ctx, "o-1")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusRefunded, order.Status)

	entries, err := f.store.Ledger.ListByOrder(ctx, "o-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, domain.LedgerRefundOut, entries[0].Type)
	require.True(t, entries[0].Amount.Equal(decimal.NewFromInt(1500)))

	_, _, reverse := f.provider.Calls()
	require.Equal(t, 1, reverse)

	notifications, err := f.store.Notifications.ListByOrder(ctx, "o-1")
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	require.Equal(t, domain.TemplateRefundApproved, notifications[0].Template)
}

func TestService_RequestValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.createOrder(t, "o-paid", domain.OrderStatusPaid, true)
	f.createOrder(t, "o-del", domain.OrderStatusDelivered, false)
	ctx := context.Background()

	_, err := f.svc.Request(ctx, "o-paid", Requester{UserID: "u-1"}, "changed mind", "")
	require.ErrorIs(t, err, domain.ErrRefundNotAllowedForStatus)

	_, err = f.svc.Request(ctx, "o-del", Requester{UserID: "u-2"}, "changed mind", "")
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.svc.Request(ctx, "o-del", Requester{UserID: "u-1"}, "  ", "")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = f.svc.Request(ctx, "missing", Requester{Admin: true}, "x", "")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)

	// администратор может оформить возврат за клиента
	_, err = f.svc.Request(ctx, "o-del", Requester{UserID: "admin-1", Admin: true}, "courier damage", "")
	require.NoError(t, err)
}

func TestService_RejectKeepsStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.createOrder(t, "o-1", domain.OrderStatusReturned, false)
	ctx := context.Background()

	_, err := f.svc.Request(ctx, "o-1", Requester{UserID: "u-1"}, "not needed", "")
	require.NoError(t, err)

	rejected, err := f.svc.Reject(ctx, "o-1", "admin-1", "policy")
	require.NoError(t, err)
	require.Equal(t, domain.RefundRejected, rejected.Status)
	require.Equal(t, "admin-1", rejected.RejectedBy)

	order, err := f.store.Orders.Get(ctx, "o-1")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusRefundRequested, order.Status)

	_, err = f.svc.Approve(ctx, "o-1", "admin-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestService_ApproveProviderFailureLeavesRefundOpen(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.createOrder(t, "o-1", domain.OrderStatusDelivered, true)
	f.provider.ReverseErr = errors.New("fondy 503")
	ctx := context.Background()

	_, err := f.svc.Request(ctx, "o-1", Requester{UserID: "u-1"}, "damaged", "")
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, "o-1", "admin-1")
	require.Error(t, err)

	open, err := f.store.Refunds.GetOpen(ctx, "o-1")
	require.NoError(t, err)
	require.Equal(t, domain.RefundRequested, open.Status)

	order, err := f.store.Orders.Get(ctx, "o-1")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusRefundRequested, order.Status)
}

func TestService_ApproveRequiresRefundRequested(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.createOrder(t, "o-1", domain.OrderStatusDelivered, false)

	_, err := f.svc.Approve(context.Background(), "o-1", "admin-1")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}
