package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
	"github.com/vladislavdragonenkov/marketplace/internal/provider/fondy"
	"github.com/vladislavdragonenkov/marketplace/internal/provider/novaposhta"
	"github.com/vladislavdragonenkov/marketplace/internal/scheduler"
	"github.com/vladislavdragonenkov/marketplace/internal/service/alerts"
	"github.com/vladislavdragonenkov/marketplace/internal/service/checkout"
	"github.com/vladislavdragonenkov/marketplace/internal/service/notify"
	"github.com/vladislavdragonenkov/marketplace/internal/service/payment"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	return cfg
}

func TestRun_MemoryGracefulShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	err := Run(ctx, testConfig())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRun_InvalidStorageDriver(t *testing.T) {
	cfg := testConfig()
	cfg.StorageDriver = "invalid-driver"

	err := Run(context.Background(), cfg)
	require.ErrorContains(t, err, "unsupported storage driver")
}

func TestInitIntegrations_LocalFallbacks(t *testing.T) {
	in, err := initIntegrations(context.Background(), testConfig(), nil, log.WithField("test", "integrations"))
	require.NoError(t, err)
	defer in.close(log.WithField("test", "integrations"))

	require.IsType(t, &payment.MockProvider{}, in.payment)
	require.Empty(t, in.verifiers)
	require.IsType(t, &novaposhta.Sandbox{}, in.delivery)
	require.IsType(t, alerts.LogSender{}, in.alertSender)
	require.IsType(t, notify.LogSender{}, in.notifySender)
	require.Nil(t, in.locker)
	require.False(t, in.mirror.enabled())
	require.Contains(t, in.providers(), "mock")
}

func TestInitIntegrations_Fondy(t *testing.T) {
	cfg := testConfig()
	cfg.Fondy = fondy.Config{MerchantID: "1396424", Password: "test"}

	in, err := initIntegrations(context.Background(), cfg, nil, log.WithField("test", "integrations"))
	require.NoError(t, err)

	require.IsType(t, &fondy.Client{}, in.payment)
	require.Len(t, in.verifiers, 1)
	require.Equal(t, fondy.ProviderName, in.verifiers[0].Name())
	require.Contains(t, in.providers(), fondy.ProviderName)
}

func TestInitIntegrations_TelegramRequiresChat(t *testing.T) {
	cfg := testConfig()
	cfg.Telegram.BotToken = "token"

	_, err := initIntegrations(context.Background(), cfg, nil, log.WithField("test", "integrations"))
	require.Error(t, err)
}

type wiredApp struct {
	svc   *services
	sched *scheduler.Scheduler
	clk   *clock.Manual
	in    *integrations
}

func newWiredApp(t *testing.T) wiredApp {
	t.Helper()

	clk := clock.NewManual(time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC))
	logger := log.WithField("test", t.Name())
	cfg := testConfig()

	in, err := initIntegrations(context.Background(), cfg, clk, logger)
	require.NoError(t, err)

	m := metrics.NewLifecycleMetricsWithRegisterer(prometheus.NewRegistry())
	svc, err := buildServices(cfg, memory.NewStore(), in, clk, m, logger)
	require.NoError(t, err)

	sched := scheduler.New(scheduler.WithClock(clk), scheduler.WithMetrics(m), scheduler.WithLogger(logger))
	require.NoError(t, registerJobs(sched, svc, cfg))

	return wiredApp{svc: svc, sched: sched, clk: clk, in: in}
}

func TestRegisterJobs_AllJobsRunOnEmptyStore(t *testing.T) {
	app := newWiredApp(t)

	want := []string{
		scheduler.JobOutbox, scheduler.JobTracking, scheduler.JobNotifications, scheduler.JobAdminAlerts,
		scheduler.JobAutomation, scheduler.JobGuard, scheduler.JobAnalyticsDaily, scheduler.JobPickupControl,
		scheduler.JobPaymentRetry, scheduler.JobReconciliation, scheduler.JobReturns,
	}
	names := make([]string, 0, len(want))
	for _, st := range app.sched.Jobs() {
		names = append(names, st.Name)
	}
	require.ElementsMatch(t, want, names)

	for _, name := range want {
		require.NoError(t, app.sched.RunNow(context.Background(), name), name)
	}
}

func TestWiring_PaidOrderGetsShipped(t *testing.T) {
	app := newWiredApp(t)
	ctx := context.Background()
	isNew := false

	placed, err := app.svc.checkout.PlaceOrder(ctx, checkout.Request{
		UserID:   "user-1",
		Phone:    "+380501234567",
		City:     "Київ",
		CityRef:  "city-ref",
		Subtotal: decimal.NewFromInt(1200),
		Shipping: decimal.NewFromInt(80),
		Items: []checkout.Item{
			{SKU: "SKU-1", Qty: 2, Price: decimal.NewFromInt(600)},
		},
		IsNewCustomer: &isNew,
	})
	require.NoError(t, err)
	orderID := placed.Order.ID

	session, err := app.svc.payments.CreateFull(ctx, orderID, decimal.Zero)
	require.NoError(t, err)
	require.NotEmpty(t, session.CheckoutURL)

	order, err := app.svc.store.Orders.Get(ctx, orderID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusAwaitingPayment, order.Status)

	outcome, err := app.svc.ingress.Apply(ctx, domain.PaymentNotification{
		Provider:       app.in.payment.Name(),
		EventID:        orderID + ":approved",
		OrderID:        orderID,
		ProviderStatus: "approved",
		Action:         domain.PaymentActionMarkPaid,
		Amount:         order.Totals.Grand,
	})
	require.NoError(t, err)
	require.True(t, outcome.Applied)

	// ORDER_PAID создаёт накладную, TTN_CREATED двигает заказ в SHIPPED
	for i := 0; i < 3; i++ {
		require.NoError(t, app.sched.RunNow(ctx, scheduler.JobOutbox))
	}

	order, err = app.svc.store.Orders.Get(ctx, orderID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusShipped, order.Status)
	require.NotEmpty(t, order.Shipment.TTN)
}
