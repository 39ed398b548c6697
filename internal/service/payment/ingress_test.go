package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
	"github.com/vladislavdragonenkov/marketplace/internal/service/outbox"
	"github.com/vladislavdragonenkov/marketplace/internal/service/policy"
	"github.com/vladislavdragonenkov/marketplace/internal/service/statemachine"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
)

var start = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

// stubVerifier принимает тело вида {"event_id":..,"status":..,"order_id":..,"sig":..};
// sig == "bad" означает неверную подпись.
type stubVerifier struct{}

func (stubVerifier) Name() string { return "fondy" }

func (stubVerifier) ParseWebhook(body []byte) (domain.PaymentNotification, error) {
	var raw struct {
		EventID string `json:"event_id"`
		Status  string `json:"status"`
		OrderID string `json:"order_id"`
		Amount  string `json:"amount"`
		Sig     string `json:"sig"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return domain.PaymentNotification{}, fmt.Errorf("decode: %w", err)
	}
	if raw.Sig == "bad" {
		return domain.PaymentNotification{OrderID: raw.OrderID}, domain.ErrBadSignature
	}
	action := domain.PaymentActionNone
	switch raw.Status {
	case "approved":
		action = domain.PaymentActionMarkPaid
	case "declined":
		action = domain.PaymentActionMarkFailed
	case "reversed":
		action = domain.PaymentActionMarkRefunded
	}
	return domain.PaymentNotification{
		EventID:        raw.EventID,
		OrderID:        raw.OrderID,
		ProviderStatus: raw.Status,
		Action:         action,
		Amount:         decimal.RequireFromString(raw.Amount),
		Signature:      raw.Sig,
		Version:        "1.0",
		Payload:        body,
	}, nil
}

type ingressFixture struct {
	store    domain.Store
	clock    *clock.Manual
	machine  *statemachine.Machine
	ingress  *Ingress
	checkout *CheckoutService
	provider *MockProvider
}

// flakyLedger отказывает в первых failures вызовах Append.
type flakyLedger struct {
	domain.LedgerRepository
	failures int
}

func (l *flakyLedger) Append(ctx context.Context, entry domain.LedgerEntry) (bool, error) {
	if l.failures > 0 {
		l.failures--
		return false, errors.New("db timeout")
	}
	return l.LedgerRepository.Append(ctx, entry)
}

// flakyOutbox отказывает в первых failures вызовах Emit.
type flakyOutbox struct {
	domain.Outbox
	failures int
}

func (o *flakyOutbox) Emit(ctx context.Context, orderID, dedupeKey string, payload domain.EventPayload) (domain.DomainEvent, error) {
	if o.failures > 0 {
		o.failures--
		return domain.DomainEvent{}, errors.New("db timeout")
	}
	return o.Outbox.Emit(ctx, orderID, dedupeKey, payload)
}

func newIngressFixture(t *testing.T) *ingressFixture {
	return newIngressFixtureWith(t, nil)
}

// newIngressFixtureWith позволяет подменить зависимости ingress перед сборкой.
func newIngressFixtureWith(t *testing.T, wrap func(*IngressDeps)) *ingressFixture {
	t.Helper()

	store := memory.NewStore()
	clk := clock.NewManual(start)
	m := metrics.NewLifecycleMetricsWithRegisterer(prometheus.NewRegistry())
	machine := statemachine.New(store.Orders, statemachine.WithClock(clk), statemachine.WithMetrics(m))
	provider := NewMockProvider()

	deps := IngressDeps{
		Orders:    store.Orders,
		Events:    store.PaymentEvents,
		Ledger:    store.Ledger,
		Refunds:   store.Refunds,
		Machine:   machine,
		Outbox:    outbox.NewEmitter(store.Events, clk, nil),
		Verifiers: []WebhookVerifier{stubVerifier{}},
	}
	if wrap != nil {
		wrap(&deps)
	}
	ingress := NewIngress(deps, WithClock(clk), WithMetrics(m))

	return &ingressFixture{
		store:    store,
		clock:    clk,
		machine:  machine,
		ingress:  ingress,
		checkout: NewCheckoutService(store.Orders, machine, provider, policy.DefaultConfig(), clk, nil),
		provider: provider,
	}
}

func (f *ingressFixture) createOrder(t *testing.T, id string, grand int64, mode domain.PolicyMode) {
	t.Helper()
	require.NoError(t, f.store.Orders.Create(context.Background(), domain.Order{
		ID:        id,
		Status:    domain.OrderStatusNew,
		Version:   1,
		Customer:  domain.Contact{Phone: "380501234567"},
		Totals:    domain.Totals{Subtotal: decimal.NewFromInt(grand), Grand: decimal.NewFromInt(grand)},
		Payment:   domain.Payment{PolicyMode: mode},
		CreatedAt: start,
		UpdatedAt: start,
	}))
}

func webhookBody(eventID, status, orderID, amount, sig string) []byte {
	body, _ := json.Marshal(map[string]string{
		"event_id": eventID, "status": status, "order_id": orderID, "amount": amount, "sig": sig,
	})
	return body
}

func TestIngress_DuplicateWebhookAppliesOnce(t *testing.T) {
	t.Parallel()

	f := newIngressFixture(t)
	ctx := context.Background()
	f.createOrder(t, "o-1", 15000, domain.PolicyShipDeposit)

	_, err := f.checkout.CreateDeposit(ctx, "o-1", decimal.Zero)
	require.NoError(t, err)

	body := webhookBody("E1", "approved", "o-1", "200", "sig-1")
	first, err := f.ingress.HandleWebhook(ctx, "fondy", body)
	require.NoError(t, err)
	require.True(t, first.Applied)
	require.Equal(t, domain.OrderStatusPaid, first.Status)

	second, err := f.ingress.HandleWebhook(ctx, "fondy", body)
	require.NoError(t, err)
	require.True(t, second.Idempotent)
	require.False(t, second.Applied)

	order, err := f.store.Orders.Get(ctx, "o-1")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPaid, order.Status)
	require.NotNil(t, order.Payment.PaidAt)
	require.Len(t, order.StatusHistory, 2)
	require.Equal(t, int64(3), order.Version)

	ledger, err := f.store.Ledger.ListByOrder(ctx, "o-1")
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	require.Equal(t, domain.LedgerSaleIn, ledger[0].Type)
	require.Equal(t, domain.DirectionIn, ledger[0].Direction)
	require.True(t, ledger[0].Amount.Equal(decimal.NewFromInt(15000)))

	events, err := f.store.Events.ListByOrder(ctx, "o-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, domain.EventOrderPaid, events[0].Type)

	since := start.Add(-time.Hour)
	stored, err := f.store.PaymentEvents.List(ctx, since)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, EventKey("fondy", "E1", "1.0"), stored[0].EventKey)
}

func TestIngress_RetryAfterFailedSettlementCompletesPaidOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		wrap func(*IngressDeps)
	}{
		{
			name: "ledger append fails",
			wrap: func(d *IngressDeps) { d.Ledger = &flakyLedger{LedgerRepository: d.Ledger, failures: 1} },
		},
		{
			name: "outbox emit fails",
			wrap: func(d *IngressDeps) { d.Outbox = &flakyOutbox{Outbox: d.Outbox, failures: 1} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newIngressFixtureWith(t, tt.wrap)
			ctx := context.Background()
			f.createOrder(t, "o-10", 1200, domain.PolicyFullPrepaid)

			body := webhookBody("E10", "approved", "o-10", "1200", "sig-10")
			_, err := f.ingress.HandleWebhook(ctx, "fondy", body)
			require.ErrorContains(t, err, "db timeout")

			retry, err := f.ingress.HandleWebhook(ctx, "fondy", body)
			require.NoError(t, err)
			require.True(t, retry.Idempotent)
			require.Equal(t, domain.OrderStatusPaid, retry.Status)

			ledger, err := f.store.Ledger.ListByOrder(ctx, "o-10")
			require.NoError(t, err)
			require.Len(t, ledger, 1)
			require.Equal(t, domain.LedgerSaleIn, ledger[0].Type)

			events, err := f.store.Events.ListByOrder(ctx, "o-10")
			require.NoError(t, err)
			require.Len(t, events, 1)
			require.Equal(t, domain.EventOrderPaid, events[0].Type)

			// третья доставка ничего не дублирует
			_, err = f.ingress.HandleWebhook(ctx, "fondy", body)
			require.NoError(t, err)
			ledger, err = f.store.Ledger.ListByOrder(ctx, "o-10")
			require.NoError(t, err)
			require.Len(t, ledger, 1)
		})
	}
}

func TestIngress_RetryAfterFailedRefundLedger(t *testing.T) {
	t.Parallel()

	f := newIngressFixtureWith(t, func(d *IngressDeps) {
		d.Ledger = &flakyLedger{LedgerRepository: d.Ledger, failures: 1}
	})
	ctx := context.Background()
	require.NoError(t, f.store.Orders.Create(ctx, domain.Order{
		ID:        "o-11",
		Status:    domain.OrderStatusRefundRequested,
		Customer:  domain.Contact{Phone: "380501234567"},
		Totals:    domain.Totals{Grand: decimal.NewFromInt(700)},
		CreatedAt: start,
	}))
	require.NoError(t, f.store.Refunds.Create(ctx, domain.Refund{ID: "r-11", OrderID: "o-11", Status: domain.RefundRequested, Amount: decimal.NewFromInt(650), CreatedAt: start}))

	body := webhookBody("E11", "reversed", "o-11", "650", "sig-11")
	_, err := f.ingress.HandleWebhook(ctx, "fondy", body)
	require.Error(t, err)

	retry, err := f.ingress.HandleWebhook(ctx, "fondy", body)
	require.NoError(t, err)
	require.True(t, retry.Idempotent)
	require.Equal(t, domain.OrderStatusRefunded, retry.Status)

	ledger, err := f.store.Ledger.ListByOrder(ctx, "o-11")
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	require.Equal(t, domain.LedgerRefundOut, ledger[0].Type)
	require.True(t, ledger[0].Amount.Equal(decimal.NewFromInt(650)))

	refunds, err := f.store.Refunds.ListByOrder(ctx, "o-11")
	require.NoError(t, err)
	require.Equal(t, domain.RefundApproved, refunds[0].Status)
}

func TestIngress_BadSignatureRejected(t *testing.T) {
	t.Parallel()

	f := newIngressFixture(t)
	ctx := context.Background()
	f.createOrder(t, "o-2", 500, domain.PolicyCODAllowed)

	_, err := f.ingress.HandleWebhook(ctx, "fondy", webhookBody("E2", "approved", "o-2", "500", "bad"))
	require.ErrorIs(t, err, domain.ErrBadSignature)

	order, err := f.store.Orders.Get(ctx, "o-2")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusNew, order.Status)

	stored, err := f.store.PaymentEvents.List(ctx, start.Add(-time.Hour))
	require.NoError(t, err)
	require.Empty(t, stored)

	rejections, err := f.store.PaymentEvents.ListRejections(ctx, start.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, rejections, 1)
	require.Equal(t, "BAD_SIGNATURE", rejections[0].Reason)
}

func TestIngress_UnknownProvider(t *testing.T) {
	t.Parallel()

	f := newIngressFixture(t)
	_, err := f.ingress.HandleWebhook(context.Background(), "liqpay", []byte(`{}`))
	require.ErrorIs(t, err, ErrUnknownProvider)
}

func TestIngress_PaidFromNewGoesThroughAwaiting(t *testing.T) {
	t.Parallel()

	f := newIngressFixture(t)
	ctx := context.Background()
	f.createOrder(t, "o-3", 900, domain.PolicyFullPrepaid)

	outcome, err := f.ingress.HandleWebhook(ctx, "fondy", webhookBody("E3", "approved", "o-3", "900", "sig-3"))
	require.NoError(t, err)
	require.True(t, outcome.Applied)

	order, err := f.store.Orders.Get(ctx, "o-3")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPaid, order.Status)
	require.Len(t, order.StatusHistory, 2)
	require.Equal(t, domain.OrderStatusAwaitingPayment, order.StatusHistory[0].To)
}

func TestIngress_LatePaidEventIsIgnored(t *testing.T) {
	t.Parallel()

	f := newIngressFixture(t)
	ctx := context.Background()
	f.createOrder(t, "o-4", 900, domain.PolicyFullPrepaid)
	_, err := f.machine.Transition(ctx, domain.TransitionRequest{OrderID: "o-4", From: domain.OrderStatusNew, To: domain.OrderStatusCancelled, Reason: "CUSTOMER"})
	require.NoError(t, err)

	outcome, err := f.ingress.HandleWebhook(ctx, "fondy", webhookBody("E4", "approved", "o-4", "900", "sig-4"))
	require.NoError(t, err)
	require.False(t, outcome.Applied)
	require.Equal(t, domain.OrderStatusCancelled, outcome.Status)

	ledger, err := f.store.Ledger.ListByOrder(ctx, "o-4")
	require.NoError(t, err)
	require.Empty(t, ledger)
}

func TestIngress_FailedIncrementsAttempts(t *testing.T) {
	t.Parallel()

	f := newIngressFixture(t)
	ctx := context.Background()
	f.createOrder(t, "o-5", 900, domain.PolicyFullPrepaid)
	_, err := f.checkout.CreateFull(ctx, "o-5", decimal.Zero)
	require.NoError(t, err)

	for i, id := range []string{"E5a", "E5b"} {
		outcome, err := f.ingress.HandleWebhook(ctx, "fondy", webhookBody(id, "declined", "o-5", "900", "sig-"+id))
		require.NoError(t, err, "attempt %d", i)
		require.True(t, outcome.Applied)
	}

	order, err := f.store.Orders.Get(ctx, "o-5")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusAwaitingPayment, order.Status)
	require.Equal(t, 2, order.Payment.FailedAttempts)
	require.NotNil(t, order.Payment.LastFailureAt)
}

func TestIngress_RefundedByProvider(t *testing.T) {
	t.Parallel()

	f := newIngressFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Orders.Create(ctx, domain.Order{
		ID:        "o-6",
		Status:    domain.OrderStatusRefundRequested,
		Customer:  domain.Contact{Phone: "380501234567"},
		Totals:    domain.Totals{Grand: decimal.NewFromInt(700)},
		CreatedAt: start,
	}))
	require.NoError(t, f.store.Refunds.Create(ctx, domain.Refund{ID: "r-1", OrderID: "o-6", Status: domain.RefundRequested, Amount: decimal.NewFromInt(700), CreatedAt: start}))

	outcome, err := f.ingress.HandleWebhook(ctx, "fondy", webhookBody("E6", "reversed", "o-6", "700", "sig-6"))
	require.NoError(t, err)
	require.True(t, outcome.Applied)
	require.Equal(t, domain.OrderStatusRefunded, outcome.Status)

	refunds, err := f.store.Refunds.ListByOrder(ctx, "o-6")
	require.NoError(t, err)
	require.Equal(t, domain.RefundApproved, refunds[0].Status)

	ledger, err := f.store.Ledger.ListByOrder(ctx, "o-6")
	require.NoError(t, err)
	require.Len(t, ledger, 1)
	require.Equal(t, domain.LedgerRefundOut, ledger[0].Type)
}

func TestIngress_ReconciliationReplayBlockedByWebhook(t *testing.T) {
	t.Parallel()

	f := newIngressFixture(t)
	ctx := context.Background()
	f.createOrder(t, "o-7", 900, domain.PolicyFullPrepaid)

	_, err := f.ingress.HandleWebhook(ctx, "fondy", webhookBody("P7:approved", "approved", "o-7", "900", "sig-7"))
	require.NoError(t, err)

	outcome, err := f.ingress.Apply(ctx, domain.PaymentNotification{
		Provider:       "fondy",
		EventID:        "P7:approved",
		OrderID:        "o-7",
		ProviderStatus: "approved",
		Action:         domain.PaymentActionMarkPaid,
		Source:         domain.PaymentSourceReconciliation,
	})
	require.NoError(t, err)
	require.True(t, outcome.Idempotent)
}

func TestEventKeyAndSignatureHash(t *testing.T) {
	t.Parallel()

	require.Len(t, EventKey("fondy", "E1", "1.0"), 64)
	require.NotEqual(t, EventKey("fondy", "E1", "1.0"), EventKey("fondy", "E1", "2.0"))
	require.Empty(t, SignatureHash("  "))
	require.Len(t, SignatureHash("abc"), 64)
}
