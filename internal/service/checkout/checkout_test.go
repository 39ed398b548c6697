package checkout

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/service/policy"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
)

var start = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func newService(t *testing.T, cfg policy.Config) (*Service, domain.Store) {
	t.Helper()

	store := memory.NewStore()
	clk := clock.NewManual(start)
	decider := policy.NewDecider(store.Customers, store.Incidents, store.Orders, cfg, clk, nil)
	return NewService(store.Orders, store.Customers, decider, clk, nil), store
}

func TestPlaceOrder_NewLargeCustomerGetsDeposit(t *testing.T) {
	t.Parallel()

	svc, store := newService(t, policy.DefaultConfig())
	ctx := context.Background()

	result, err := svc.PlaceOrder(ctx, Request{
		UserID:   "u-1",
		Phone:    "+38 (050) 123-45-67",
		City:     "Ужгород",
		Shipping: decimal.NewFromInt(0),
		Items:    []Item{{SKU: "tv-55", Qty: 1, Price: decimal.NewFromInt(15000)}},
	})
	require.NoError(t, err)
	require.Equal(t, domain.PolicyShipDeposit, result.Decision.Mode)
	require.NotNil(t, result.Decision.Deposit)
	require.True(t, result.Decision.Deposit.Amount.Equal(decimal.NewFromInt(200)))

	order, err := store.Orders.Get(ctx, result.Order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusNew, order.Status)
	require.Equal(t, "380501234567", order.Customer.Phone)
	require.True(t, order.Totals.Grand.Equal(decimal.NewFromInt(15000)))
	require.Equal(t, domain.PolicyShipDeposit, order.Payment.PolicyMode)
	require.Equal(t, []string{policy.ReasonNewLarge}, order.Payment.PolicyReasons)

	customer, err := store.Customers.Get(ctx, "380501234567")
	require.NoError(t, err)
	require.Equal(t, 1, customer.OrdersCount)
	require.Equal(t, "u-1", customer.UserID)
	require.NotNil(t, customer.FirstOrderAt)
}

func TestPlaceOrder_PrepaidDiscountApplied(t *testing.T) {
	t.Parallel()

	cfg := policy.DefaultConfig()
	cfg.Discount = policy.DiscountConfig{
		Enabled: true,
		Mode:    policy.DiscountModePercent,
		Value:   decimal.NewFromInt(5),
		ApplyTo: []domain.PolicyMode{domain.PolicyFullPrepaid},
	}
	svc, store := newService(t, cfg)
	ctx := context.Background()

	_, err := store.Customers.Upsert(ctx, "380501234567", func(c *domain.Customer) { c.Blocked = true })
	require.NoError(t, err)

	result, err := svc.PlaceOrder(ctx, Request{
		Phone:    "0501234567",
		City:     "Київ",
		Subtotal: decimal.NewFromInt(1000),
		Shipping: decimal.NewFromInt(70),
	})
	require.NoError(t, err)
	require.Equal(t, domain.PolicyFullPrepaid, result.Decision.Mode)

	order := result.Order
	require.NotNil(t, order.Payment.Discount)
	require.NotNil(t, order.Totals.GrandBeforeDiscount)
	require.True(t, order.Totals.GrandBeforeDiscount.Equal(decimal.NewFromInt(1070)))
	require.True(t, order.Totals.Grand.Equal(decimal.RequireFromString("1016.50")))
}

func TestPlaceOrder_Validation(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t, policy.DefaultConfig())
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{name: "no phone", req: Request{Subtotal: decimal.NewFromInt(10)}, want: domain.ErrPhoneRequired},
		{name: "bad qty", req: Request{Phone: "0501234567", Items: []Item{{SKU: "a", Qty: 0, Price: decimal.NewFromInt(1)}}}, want: domain.ErrItemQtyInvalid},
		{name: "negative shipping", req: Request{Phone: "0501234567", Shipping: decimal.NewFromInt(-1)}, want: domain.ErrAmountNegative},
		{
			name: "subtotal mismatch",
			req: Request{
				Phone:    "0501234567",
				Subtotal: decimal.NewFromInt(99),
				Items:    []Item{{SKU: "a", Qty: 2, Price: decimal.NewFromInt(10)}},
			},
			want: domain.ErrInvalidArgument,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.PlaceOrder(ctx, tt.req)
			require.ErrorIs(t, err, tt.want)
		})
	}
}
