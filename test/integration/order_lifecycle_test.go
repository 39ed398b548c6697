package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/httpapi"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
	"github.com/vladislavdragonenkov/marketplace/internal/provider/fondy"
	"github.com/vladislavdragonenkov/marketplace/internal/provider/novaposhta"
	"github.com/vladislavdragonenkov/marketplace/internal/scheduler"
	"github.com/vladislavdragonenkov/marketplace/internal/service/alerts"
	"github.com/vladislavdragonenkov/marketplace/internal/service/checkout"
	"github.com/vladislavdragonenkov/marketplace/internal/service/guard"
	"github.com/vladislavdragonenkov/marketplace/internal/service/notify"
	"github.com/vladislavdragonenkov/marketplace/internal/service/outbox"
	"github.com/vladislavdragonenkov/marketplace/internal/service/payment"
	"github.com/vladislavdragonenkov/marketplace/internal/service/payretry"
	"github.com/vladislavdragonenkov/marketplace/internal/service/pickup"
	"github.com/vladislavdragonenkov/marketplace/internal/service/policy"
	"github.com/vladislavdragonenkov/marketplace/internal/service/refund"
	"github.com/vladislavdragonenkov/marketplace/internal/service/statemachine"
	"github.com/vladislavdragonenkov/marketplace/internal/service/timeline"
	"github.com/vladislavdragonenkov/marketplace/internal/service/tracking"
	"github.com/vladislavdragonenkov/marketplace/internal/service/ttn"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
)

const (
	merchantID       = "1396424"
	merchantPassword = "test"
	jwtSecret        = "integration-secret"
	fixedTTN         = "20451234567890"
)

var start = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// countingDelivery считает обращения к перевозчику за накладной.
type countingDelivery struct {
	*novaposhta.Sandbox
	created atomic.Int32
}

func (c *countingDelivery) CreateTTN(ctx context.Context, order domain.Order) (domain.TTNResult, error) {
	c.created.Add(1)
	return c.Sandbox.CreateTTN(ctx, order)
}

// OrderLifecycleTestSuite проверяет сквозные сценарии жизненного цикла заказа
// поверх in-memory хранилища и sandbox-провайдеров.
type OrderLifecycleTestSuite struct {
	suite.Suite

	store    domain.Store
	clock    *clock.Manual
	provider *payment.MockProvider
	delivery *countingDelivery
	auth     *httpapi.Authenticator
	router   *gin.Engine

	checkout *checkout.Service
	payments *payment.CheckoutService
	outbox   *outbox.Dispatcher
	tracking *tracking.Worker
	payRetry *payretry.Worker
	pickup   *pickup.Engine
}

func TestOrderLifecycleTestSuite(t *testing.T) {
	suite.Run(t, new(OrderLifecycleTestSuite))
}

func (s *OrderLifecycleTestSuite) SetupTest() {
	baseLogger := log.New()
	baseLogger.SetLevel(log.WarnLevel)
	logger := baseLogger.WithField("component", "integration-test")

	s.store = memory.NewStore()
	s.clock = clock.NewManual(start)
	m := metrics.NewLifecycleMetricsWithRegisterer(prometheus.NewRegistry())

	machine := statemachine.New(s.store.Orders,
		statemachine.WithClock(s.clock), statemachine.WithMetrics(m), statemachine.WithLogger(logger))
	emitter := outbox.NewEmitter(s.store.Events, s.clock, logger)
	alertQueue := alerts.NewQueue(s.store.Alerts, s.clock, logger)
	notifications := notify.NewService(s.store.Notifications, s.clock, logger)

	s.provider = payment.NewMockProvider()
	s.provider.ProviderName = fondy.ProviderName
	verifier, err := fondy.New(fondy.Config{MerchantID: merchantID, Password: merchantPassword}, nil, logger)
	s.Require().NoError(err)
	s.delivery = &countingDelivery{Sandbox: novaposhta.NewSandbox(decimal.NewFromInt(70))}

	s.auth, err = httpapi.NewAuthenticator(httpapi.AuthConfig{Secret: jwtSecret}, s.clock)
	s.Require().NoError(err)

	cfg := policy.DefaultConfig()
	decider := policy.NewDecider(s.store.Customers, s.store.Incidents, s.store.Orders, cfg, s.clock, logger)
	s.checkout = checkout.NewService(s.store.Orders, s.store.Customers, decider, s.clock, logger)
	s.payments = payment.NewCheckoutService(s.store.Orders, machine, s.provider, cfg, s.clock, logger)

	ingress := payment.NewIngress(payment.IngressDeps{
		Orders:    s.store.Orders,
		Events:    s.store.PaymentEvents,
		Ledger:    s.store.Ledger,
		Refunds:   s.store.Refunds,
		Machine:   machine,
		Outbox:    emitter,
		Verifiers: []payment.WebhookVerifier{verifier},
	}, payment.WithLogger(logger), payment.WithClock(s.clock), payment.WithMetrics(m))

	orchestrator := ttn.New(s.store.Orders, s.store.OrderOps, s.delivery, emitter,
		ttn.WithLogger(logger), ttn.WithClock(s.clock), ttn.WithMetrics(m), ttn.WithAlerts(alertQueue))

	s.outbox = outbox.NewDispatcher(s.store.Events, outbox.WithLogger(logger), outbox.WithClock(s.clock), outbox.WithAlerts(alertQueue))
	(&outbox.Consumers{
		Orders:        s.store.Orders,
		Machine:       machine,
		Notifications: notifications,
		Alerts:        alertQueue,
		TTN:           orchestrator,
		Clock:         s.clock,
		Logger:        logger,
	}).Register(s.outbox)

	s.tracking = tracking.NewWorker(s.store.Orders, machine, emitter, s.delivery,
		tracking.WithLogger(logger), tracking.WithClock(s.clock))
	s.payRetry = payretry.NewWorker(s.store.Orders, machine, notifications,
		payretry.WithLogger(logger), payretry.WithClock(s.clock), payretry.WithMetrics(m))
	s.pickup = pickup.NewEngine(s.store.Orders, s.store.Customers, notifications, alertQueue,
		pickup.WithLogger(logger), pickup.WithClock(s.clock), pickup.WithMetrics(m))

	s.router = httpapi.NewRouter(httpapi.Deps{
		Auth:     s.auth,
		Ingress:  ingress,
		Decider:  decider,
		Payments: s.payments,
		Health:   payment.NewHealthService(s.store.Orders, s.store.PaymentEvents, s.clock),
		Checkout: s.checkout,
		Refunds: refund.NewService(refund.Deps{
			Orders:        s.store.Orders,
			Refunds:       s.store.Refunds,
			Ledger:        s.store.Ledger,
			Machine:       machine,
			Notifications: notifications,
			Alerts:        alertQueue,
			Providers:     map[string]domain.PaymentProvider{s.provider.Name(): s.provider},
		}, s.clock, logger),
		Timeline: timeline.NewService(timeline.Deps{
			Orders:        s.store.Orders,
			Events:        s.store.Events,
			Notifications: s.store.Notifications,
			Ledger:        s.store.Ledger,
			Refunds:       s.store.Refunds,
		}, s.clock, logger),
		Machine: machine,
		TTN:     orchestrator,
		Guard: guard.New(guard.Deps{
			Incidents:     s.store.Incidents,
			PaymentEvents: s.store.PaymentEvents,
			Events:        s.store.Events,
			Orders:        s.store.Orders,
			Customers:     s.store.Customers,
			Alerts:        alertQueue,
		}, guard.DefaultThresholds(), s.clock, logger),
		Jobs:        scheduler.New(scheduler.WithClock(s.clock), scheduler.WithMetrics(m), scheduler.WithLogger(logger)),
		Idempotency: s.store.Idempotency,
		Clock:       s.clock,
		Logger:      logger,
	}, httpapi.Config{})
}

func (s *OrderLifecycleTestSuite) placeOrder(userID string, amount int64) checkout.Result {
	result, err := s.checkout.PlaceOrder(context.Background(), checkout.Request{
		UserID:   userID,
		Phone:    "+380501234567",
		City:     "Ужгород",
		CityRef:  "city-uz",
		Subtotal: decimal.NewFromInt(amount),
		Items:    []checkout.Item{{SKU: "SKU-1", Qty: 1, Price: decimal.NewFromInt(amount)}},
	})
	s.Require().NoError(err)
	return result
}

func (s *OrderLifecycleTestSuite) webhook(providerOrderID, orderID, status, paymentID string, amount decimal.Decimal) []byte {
	params := map[string]any{
		"order_id":      providerOrderID,
		"merchant_id":   merchantID,
		"merchant_data": orderID,
		"order_status":  status,
		"payment_id":    paymentID,
		"amount":        amount.Shift(2).IntPart(),
		"currency":      "UAH",
	}
	params["signature"] = fondy.Sign(merchantPassword, params)
	body, err := json.Marshal(params)
	s.Require().NoError(err)
	return body
}

func (s *OrderLifecycleTestSuite) do(method, path, bearer string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		token, err := s.auth.Issue(httpapi.Principal{UserID: bearer, Role: s.roleOf(bearer)}, time.Hour)
		s.Require().NoError(err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *OrderLifecycleTestSuite) roleOf(userID string) string {
	if userID == "admin-1" {
		return httpapi.RoleAdmin
	}
	return ""
}

func (s *OrderLifecycleTestSuite) drainOutbox() {
	for i := 0; i < 4; i++ {
		_, err := s.outbox.ProcessOnce(context.Background())
		s.Require().NoError(err)
	}
}

func (s *OrderLifecycleTestSuite) order(id string) domain.Order {
	order, err := s.store.Orders.Get(context.Background(), id)
	s.Require().NoError(err)
	return order
}

func (s *OrderLifecycleTestSuite) eventsOfType(orderID string, eventType domain.EventType) int {
	events, err := s.store.Events.ListByOrder(context.Background(), orderID)
	s.Require().NoError(err)
	n := 0
	for _, e := range events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func (s *OrderLifecycleTestSuite) ledger(orderID string, entryType domain.LedgerType) []domain.LedgerEntry {
	entries, err := s.store.Ledger.ListByOrder(context.Background(), orderID)
	s.Require().NoError(err)
	var out []domain.LedgerEntry
	for _, e := range entries {
		if e.Type == entryType {
			out = append(out, e)
		}
	}
	return out
}

func (s *OrderLifecycleTestSuite) notificationKeys(orderID string) []string {
	list, err := s.store.Notifications.ListByOrder(context.Background(), orderID)
	s.Require().NoError(err)
	keys := make([]string, 0, len(list))
	for _, n := range list {
		keys = append(keys, n.DedupeKey)
	}
	return keys
}

func (s *OrderLifecycleTestSuite) TestDepositCheckoutAndDuplicateWebhook() {
	ctx := context.Background()

	placed := s.placeOrder("user-1", 15000)
	s.Require().Equal(domain.PolicyShipDeposit, placed.Decision.Mode)
	orderID := placed.Order.ID

	session, err := s.payments.CreateDeposit(ctx, orderID, decimal.Zero)
	s.Require().NoError(err)
	s.Require().True(session.Amount.Equal(decimal.NewFromInt(200)), session.Amount.String())
	s.Require().Equal(domain.OrderStatusAwaitingPayment, s.order(orderID).Status)

	body := s.webhook(session.ProviderOrderID, orderID, "approved", "E1", session.Amount)
	for i := 0; i < 2; i++ {
		w := s.do(http.MethodPost, "/api/v2/payments/webhook/fondy", "", body)
		s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	}

	order := s.order(orderID)
	s.Require().Equal(domain.OrderStatusPaid, order.Status)
	paidTransitions := 0
	for _, h := range order.StatusHistory {
		if h.To == domain.OrderStatusPaid {
			paidTransitions++
		}
	}
	s.Require().Equal(1, paidTransitions)

	sales := s.ledger(orderID, domain.LedgerSaleIn)
	s.Require().Len(sales, 1)
	s.Require().Equal(domain.DirectionIn, sales[0].Direction)
	s.Require().True(sales[0].Amount.Equal(decimal.NewFromInt(15000)))
	s.Require().Equal(1, s.eventsOfType(orderID, domain.EventOrderPaid))

	s.drainOutbox()
	s.Require().EqualValues(1, s.delivery.created.Load())
	s.Require().Equal(domain.OrderStatusShipped, s.order(orderID).Status)
}

func (s *OrderLifecycleTestSuite) TestWebhookWithInvalidSignatureIsRejected() {
	ctx := context.Background()

	placed := s.placeOrder("user-1", 1500)
	session, err := s.payments.CreateFull(ctx, placed.Order.ID, decimal.Zero)
	s.Require().NoError(err)

	var params map[string]any
	s.Require().NoError(json.Unmarshal(s.webhook(session.ProviderOrderID, placed.Order.ID, "approved", "E2", session.Amount), &params))
	params["signature"] = "0000000000000000000000000000000000000000"
	forged, err := json.Marshal(params)
	s.Require().NoError(err)

	w := s.do(http.MethodPost, "/api/v2/payments/webhook/fondy", "", forged)
	s.Require().Equal(http.StatusUnauthorized, w.Code)

	events, err := s.store.PaymentEvents.List(ctx, start.Add(-time.Hour))
	s.Require().NoError(err)
	s.Require().Empty(events)
	s.Require().Equal(domain.OrderStatusAwaitingPayment, s.order(placed.Order.ID).Status)
}

func (s *OrderLifecycleTestSuite) TestUnpaidOrderIsCancelledAfterDay() {
	ctx := context.Background()

	placed := s.placeOrder("user-1", 1500)
	_, err := s.payments.CreateFull(ctx, placed.Order.ID, decimal.Zero)
	s.Require().NoError(err)

	s.clock.Advance(35 * time.Minute)
	report, err := s.payRetry.ProcessOnce(ctx)
	s.Require().NoError(err)
	s.Require().Equal(1, report.Reminded)
	reminders := s.notificationKeys(placed.Order.ID)

	s.clock.Set(start.Add(24*time.Hour + time.Minute))
	report, err = s.payRetry.ProcessOnce(ctx)
	s.Require().NoError(err)
	s.Require().Equal(1, report.Cancelled)

	order := s.order(placed.Order.ID)
	s.Require().Equal(domain.OrderStatusCancelledAuto, order.Status)
	s.Require().Equal(payretry.CancelReasonTimeout, order.CancelReason)

	_, err = s.payRetry.ProcessOnce(ctx)
	s.Require().NoError(err)
	s.Require().Equal(reminders, s.notificationKeys(placed.Order.ID))
}

func (s *OrderLifecycleTestSuite) TestTrackingMarksShippedOrderDelivered() {
	ctx := context.Background()
	s.Require().NoError(s.store.Orders.Create(ctx, domain.Order{
		ID:        "o-track",
		Status:    domain.OrderStatusShipped,
		Version:   1,
		Customer:  domain.Contact{Phone: "380501234567"},
		Shipment:  domain.Shipment{Provider: novaposhta.ProviderName, TTN: fixedTTN, PickupPointType: domain.PickupPointBranch},
		CreatedAt: start,
		UpdatedAt: start,
	}))
	s.delivery.SetStatus(domain.TrackingStatus{TTN: fixedTTN, Code: 9, Status: "Відправлення отримано"})

	_, err := s.tracking.ProcessOnce(ctx)
	s.Require().NoError(err)

	order := s.order("o-track")
	s.Require().Equal(domain.OrderStatusDelivered, order.Status)
	s.Require().Equal(tracking.ReasonDelivered, order.StatusHistory[len(order.StatusHistory)-1].Reason)
	s.Require().Equal(1, s.eventsOfType("o-track", domain.EventOrderDelivered))

	s.drainOutbox()
	s.Require().Contains(s.notificationKeys("o-track"), domain.TemplateOrderDelivered+":o-track")
}

func (s *OrderLifecycleTestSuite) TestPickupReminderOnDaySeven() {
	ctx := context.Background()
	arrival := time.Date(2024, 6, 1, 14, 0, 0, 0, time.UTC)
	s.Require().NoError(s.store.Orders.Create(ctx, domain.Order{
		ID:       "o-pickup",
		Status:   domain.OrderStatusShipped,
		Version:  1,
		Customer: domain.Contact{Phone: "380501234567"},
		Shipment: domain.Shipment{
			Provider:        novaposhta.ProviderName,
			TTN:             fixedTTN,
			PickupPointType: domain.PickupPointBranch,
			ArrivalAt:       domain.TimePtr(arrival),
		},
		CreatedAt: arrival.Add(-72 * time.Hour),
	}))
	s.clock.Set(time.Date(2024, 6, 8, 10, 0, 0, 0, time.UTC))

	report, err := s.pickup.ProcessOnce(ctx)
	s.Require().NoError(err)
	s.Require().Equal(1, report.Sent)
	s.Require().Equal([]string{"pickup:" + fixedTTN + ":D7"}, s.notificationKeys("o-pickup"))

	s.clock.Advance(2 * time.Hour)
	report, err = s.pickup.ProcessOnce(ctx)
	s.Require().NoError(err)
	s.Require().Zero(report.Sent)
	s.Require().Len(s.notificationKeys("o-pickup"), 1)
}

func (s *OrderLifecycleTestSuite) TestRefundHappyPath() {
	ctx := context.Background()

	placed := s.placeOrder("user-7", 1500)
	orderID := placed.Order.ID
	session, err := s.payments.CreateFull(ctx, orderID, decimal.Zero)
	s.Require().NoError(err)

	w := s.do(http.MethodPost, "/api/v2/payments/webhook/fondy", "", s.webhook(session.ProviderOrderID, orderID, "approved", "P7", session.Amount))
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.drainOutbox()

	shipped := s.order(orderID)
	s.Require().Equal(domain.OrderStatusShipped, shipped.Status)
	s.delivery.SetStatus(domain.TrackingStatus{TTN: shipped.Shipment.TTN, Code: 9, Status: "Відправлення отримано"})
	_, err = s.tracking.ProcessOnce(ctx)
	s.Require().NoError(err)
	s.Require().Equal(domain.OrderStatusDelivered, s.order(orderID).Status)

	reason, err := json.Marshal(map[string]string{"reason": "damaged"})
	s.Require().NoError(err)
	w = s.do(http.MethodPost, "/api/v2/refunds/request/"+orderID, "user-7", reason)
	s.Require().Equal(http.StatusCreated, w.Code, w.Body.String())
	s.Require().Equal(domain.OrderStatusRefundRequested, s.order(orderID).Status)

	w = s.do(http.MethodPost, "/api/v2/admin/refunds/approve/"+orderID, "admin-1", nil)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())

	order := s.order(orderID)
	s.Require().Equal(domain.OrderStatusRefunded, order.Status)
	refunds := s.ledger(orderID, domain.LedgerRefundOut)
	s.Require().Len(refunds, 1)
	s.Require().Equal(domain.DirectionOut, refunds[0].Direction)
	s.Require().True(refunds[0].Amount.Equal(order.Totals.Grand))
	s.Require().Equal([]string{session.ProviderOrderID}, s.provider.ReverseCalls)
}
