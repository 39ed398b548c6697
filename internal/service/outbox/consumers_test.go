package outbox

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
	"github.com/vladislavdragonenkov/marketplace/internal/service/notify"
	"github.com/vladislavdragonenkov/marketplace/internal/service/statemachine"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
)

type stubTTN struct {
	calls []string
	err   error
}

func (s *stubTTN) EnsureTTN(_ context.Context, orderID string) error {
	s.calls = append(s.calls, orderID)
	return s.err
}

type consumerFixture struct {
	store      domain.Store
	clock      *clock.Manual
	emitter    *Emitter
	dispatcher *Dispatcher
	ttn        *stubTTN
	alerts     *stubAlertSink
}

func newConsumerFixture(t *testing.T, status domain.OrderStatus) *consumerFixture {
	t.Helper()

	store := memory.NewStore()
	clk := clock.NewManual(start)
	machine := statemachine.New(store.Orders,
		statemachine.WithClock(clk),
		statemachine.WithMetrics(metrics.NewLifecycleMetricsWithRegisterer(prometheus.NewRegistry())),
	)
	ttn := &stubTTN{}
	alerts := &stubAlertSink{}
	d := NewDispatcher(store.Events, WithClock(clk), WithAlerts(alerts), WithJitter(noJitter))
	consumers := &Consumers{
		Orders:        store.Orders,
		Machine:       machine,
		Notifications: notify.NewService(store.Notifications, clk, nil),
		Alerts:        alerts,
		TTN:           ttn,
		Clock:         clk,
	}
	consumers.Register(d)

	require.NoError(t, store.Orders.Create(context.Background(), domain.Order{
		ID:        "o-1",
		Status:    status,
		Version:   1,
		Customer:  domain.Contact{Phone: "380501234567"},
		Totals:    domain.Totals{Grand: decimal.NewFromInt(1500), Subtotal: decimal.NewFromInt(1500)},
		Shipment:  domain.Shipment{City: "Львів", TTN: "20451234567890"},
		CreatedAt: start,
		UpdatedAt: start,
	}))

	return &consumerFixture{
		store:      store,
		clock:      clk,
		emitter:    NewEmitter(store.Events, clk, nil),
		dispatcher: d,
		ttn:        ttn,
		alerts:     alerts,
	}
}

func (f *consumerFixture) notifications(t *testing.T) []domain.Notification {
	t.Helper()
	items, err := f.store.Notifications.ListByOrder(context.Background(), "o-1")
	require.NoError(t, err)
	return items
}

func TestConsumers_OrderPaidNotifiesAndEnsuresTTN(t *testing.T) {
	t.Parallel()

	f := newConsumerFixture(t, domain.OrderStatusPaid)
	emitPaid(t, f.emitter, "o-1")

	done, err := f.dispatcher.ProcessOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, done)
	require.Equal(t, []string{"o-1"}, f.ttn.calls)

	items := f.notifications(t)
	require.Len(t, items, 1)
	require.Equal(t, domain.TemplateOrderPaid, items[0].Template)
	require.Equal(t, "380501234567", items[0].To)
}

func TestConsumers_OrderPaidRetriesWhenTTNFails(t *testing.T) {
	t.Parallel()

	f := newConsumerFixture(t, domain.OrderStatusPaid)
	f.ttn.err = errors.New("np timeout")
	emitPaid(t, f.emitter, "o-1")

	done, err := f.dispatcher.ProcessOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, done)

	f.ttn.err = nil
	f.clock.Advance(RetryDelay(1))
	done, err = f.dispatcher.ProcessOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, done)

	// повтор не создаёт второе уведомление
	require.Len(t, f.notifications(t), 1)
	require.Len(t, f.ttn.calls, 2)
}

func TestConsumers_TTNCreatedAdvancesToShipped(t *testing.T) {
	t.Parallel()

	f := newConsumerFixture(t, domain.OrderStatusPaid)
	_, err := f.emitter.Emit(context.Background(), "o-1", domain.EventDedupeKey(domain.EventTTNCreated, "o-1"), domain.TTNCreatedPayload{
		OrderID: "o-1",
		TTN:     "20451234567890",
		Cost:    decimal.NewFromInt(70),
	})
	require.NoError(t, err)

	done, err := f.dispatcher.ProcessOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, done)

	order, err := f.store.Orders.Get(context.Background(), "o-1")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusShipped, order.Status)
	require.Len(t, order.StatusHistory, 2)
	require.Equal(t, "TTN_CREATED", order.StatusHistory[1].Reason)

	items := f.notifications(t)
	require.Len(t, items, 1)
	require.Equal(t, domain.TemplateOrderShipped, items[0].Template)

	require.Len(t, f.alerts.alerts, 1)
	require.Equal(t, domain.AlertTTNCreated, f.alerts.alerts[0].Type)
}

func TestConsumers_TTNCreatedToleratesAlreadyShipped(t *testing.T) {
	t.Parallel()

	f := newConsumerFixture(t, domain.OrderStatusShipped)
	_, err := f.emitter.Emit(context.Background(), "o-1", "ttn_created:o-1", domain.TTNCreatedPayload{OrderID: "o-1", TTN: "20451234567890"})
	require.NoError(t, err)

	done, err := f.dispatcher.ProcessOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, done)

	order, _ := f.store.Orders.Get(context.Background(), "o-1")
	require.Equal(t, domain.OrderStatusShipped, order.Status)
	require.Empty(t, order.StatusHistory)
}

func TestConsumers_OrderDeliveredSchedulesReviewNudge(t *testing.T) {
	t.Parallel()

	f := newConsumerFixture(t, domain.OrderStatusDelivered)
	_, err := f.emitter.Emit(context.Background(), "o-1", domain.EventDedupeKey(domain.EventOrderDelivered, "o-1"), domain.OrderDeliveredPayload{
		OrderID:      "o-1",
		TTN:          "20451234567890",
		TrackingCode: 9,
	})
	require.NoError(t, err)

	_, err = f.dispatcher.ProcessOnce(context.Background())
	require.NoError(t, err)

	items := f.notifications(t)
	require.Len(t, items, 2)

	byTemplate := map[string]domain.Notification{}
	for _, n := range items {
		byTemplate[n.Template] = n
	}
	require.Contains(t, byTemplate, domain.TemplateOrderDelivered)
	nudge, ok := byTemplate[domain.TemplateReviewNudge]
	require.True(t, ok)
	require.Equal(t, "review_nudge:o-1:1", nudge.DedupeKey)
	require.NotNil(t, nudge.NextRetryAt)
	require.True(t, nudge.NextRetryAt.Equal(start.Add(72*time.Hour)))
}

func TestConsumers_OrderDeliveredWaitsForTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   domain.OrderStatus
		wantDone bool
		wantSent int
	}{
		{name: "still shipped", status: domain.OrderStatusShipped, wantDone: false, wantSent: 0},
		{name: "returned without delivery", status: domain.OrderStatusReturned, wantDone: true, wantSent: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newConsumerFixture(t, tt.status)
			ctx := context.Background()
			event, err := f.emitter.Emit(ctx, "o-1", domain.EventDedupeKey(domain.EventOrderDelivered, "o-1"), domain.OrderDeliveredPayload{
				OrderID:      "o-1",
				TTN:          "20451234567890",
				TrackingCode: 9,
			})
			require.NoError(t, err)

			_, err = f.dispatcher.ProcessOnce(ctx)
			require.NoError(t, err)

			stored, err := f.store.Events.ListByOrder(ctx, "o-1")
			require.NoError(t, err)
			require.Len(t, stored, 1)
			require.Equal(t, event.ID, stored[0].ID)
			require.Equal(t, tt.wantDone, stored[0].Status == domain.EventStatusDone)
			require.Len(t, f.notifications(t), tt.wantSent)
		})
	}
}
