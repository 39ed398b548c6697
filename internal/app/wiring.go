package app

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
	"github.com/vladislavdragonenkov/marketplace/internal/scheduler"
	"github.com/vladislavdragonenkov/marketplace/internal/service/alerts"
	"github.com/vladislavdragonenkov/marketplace/internal/service/automation"
	"github.com/vladislavdragonenkov/marketplace/internal/service/checkout"
	"github.com/vladislavdragonenkov/marketplace/internal/service/guard"
	"github.com/vladislavdragonenkov/marketplace/internal/service/idempotency"
	"github.com/vladislavdragonenkov/marketplace/internal/service/notify"
	"github.com/vladislavdragonenkov/marketplace/internal/service/outbox"
	"github.com/vladislavdragonenkov/marketplace/internal/service/payment"
	"github.com/vladislavdragonenkov/marketplace/internal/service/payretry"
	"github.com/vladislavdragonenkov/marketplace/internal/service/pickup"
	"github.com/vladislavdragonenkov/marketplace/internal/service/policy"
	"github.com/vladislavdragonenkov/marketplace/internal/service/reconcile"
	"github.com/vladislavdragonenkov/marketplace/internal/service/refund"
	"github.com/vladislavdragonenkov/marketplace/internal/service/returns"
	"github.com/vladislavdragonenkov/marketplace/internal/service/statemachine"
	"github.com/vladislavdragonenkov/marketplace/internal/service/timeline"
	"github.com/vladislavdragonenkov/marketplace/internal/service/tracking"
	"github.com/vladislavdragonenkov/marketplace/internal/service/ttn"
)

// services — собранный граф сервисов поверх одного domain.Store.
type services struct {
	store   domain.Store
	clock   clock.Clock
	metrics *metrics.LifecycleMetrics

	machine        *statemachine.Machine
	emitter        *outbox.Emitter
	outbox         *outbox.Dispatcher
	alertQueue     *alerts.Queue
	alertDispatch  *alerts.Dispatcher
	notifications  *notify.Service
	notifyDispatch *notify.Dispatcher

	decider   *policy.Decider
	checkout  *checkout.Service
	ingress   *payment.Ingress
	payments  *payment.CheckoutService
	payHealth *payment.HealthService
	refunds   *refund.Service
	timeline  *timeline.Service
	ttn       *ttn.Orchestrator
	guard     *guard.Guard
	analytics *guard.Analytics

	tracking   *tracking.Worker
	payRetry   *payretry.Worker
	reconcile  *reconcile.Worker
	pickup     *pickup.Engine
	returns    *returns.Engine
	automation *automation.Job
	cleanup    *idempotency.CleanupWorker
}

func buildServices(cfg Config, store domain.Store, in *integrations, clk clock.Clock, m *metrics.LifecycleMetrics, logger *log.Entry) (*services, error) {
	clk = clock.OrDefault(clk)
	m = metrics.OrDefault(m)
	component := func(name string) *log.Entry { return logger.WithField("component", name) }

	s := &services{store: store, clock: clk, metrics: m}

	s.machine = statemachine.New(store.Orders,
		statemachine.WithClock(clk),
		statemachine.WithMetrics(m),
		statemachine.WithLogger(component("statemachine")),
	)
	s.emitter = outbox.NewEmitter(store.Events, clk, component("outbox-emitter"))
	s.alertQueue = alerts.NewQueue(store.Alerts, clk, component("alerts"))
	s.notifications = notify.NewService(store.Notifications, clk, component("notify"))

	s.alertDispatch = alerts.NewDispatcher(store.Alerts, in.alertSender,
		alerts.WithLogger(component("alerts-dispatcher")),
		alerts.WithClock(clk),
		alerts.WithQuietMode(cfg.AlertsQuietMode),
	)
	s.notifyDispatch = notify.NewDispatcher(store.Notifications, in.notifySender,
		notify.WithLogger(component("notify-dispatcher")),
		notify.WithClock(clk),
	)

	s.decider = policy.NewDecider(store.Customers, store.Incidents, store.Orders, cfg.Policy, clk, component("policy"))
	s.checkout = checkout.NewService(store.Orders, store.Customers, s.decider, clk, component("checkout"))

	s.ingress = payment.NewIngress(payment.IngressDeps{
		Orders:    store.Orders,
		Events:    store.PaymentEvents,
		Ledger:    store.Ledger,
		Refunds:   store.Refunds,
		Machine:   s.machine,
		Outbox:    s.emitter,
		Verifiers: in.verifiers,
	}, payment.WithLogger(component("payment-ingress")), payment.WithClock(clk), payment.WithMetrics(m))
	s.payments = payment.NewCheckoutService(store.Orders, s.machine, in.payment, cfg.Policy, clk, component("payment-checkout"))
	s.payHealth = payment.NewHealthService(store.Orders, store.PaymentEvents, clk)

	s.refunds = refund.NewService(refund.Deps{
		Orders:        store.Orders,
		Refunds:       store.Refunds,
		Ledger:        store.Ledger,
		Machine:       s.machine,
		Notifications: s.notifications,
		Alerts:        s.alertQueue,
		Providers:     in.providers(),
	}, clk, component("refund"))
	s.timeline = timeline.NewService(timeline.Deps{
		Orders:        store.Orders,
		Events:        store.Events,
		Notifications: store.Notifications,
		Ledger:        store.Ledger,
		Refunds:       store.Refunds,
	}, clk, component("timeline"))

	s.ttn = ttn.New(store.Orders, store.OrderOps, in.delivery, s.emitter,
		ttn.WithLogger(component("ttn")),
		ttn.WithClock(clk),
		ttn.WithMetrics(m),
		ttn.WithAlerts(s.alertQueue),
	)

	outboxOpts := []outbox.Option{
		outbox.WithLogger(component("outbox-dispatcher")),
		outbox.WithClock(clk),
		outbox.WithAlerts(s.alertQueue),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
	}
	if in.mirror.enabled() {
		outboxOpts = append(outboxOpts, outbox.WithPublisher(in.mirror.publisher), outbox.WithDLQPublisher(in.mirror.dlq))
	}
	s.outbox = outbox.NewDispatcher(store.Events, outboxOpts...)
	consumers := &outbox.Consumers{
		Orders:        store.Orders,
		Machine:       s.machine,
		Notifications: s.notifications,
		Alerts:        s.alertQueue,
		TTN:           s.ttn,
		Clock:         clk,
		Logger:        component("outbox-consumers"),
	}
	consumers.Register(s.outbox)

	s.guard = guard.New(guard.Deps{
		Incidents:     store.Incidents,
		PaymentEvents: store.PaymentEvents,
		Events:        store.Events,
		Orders:        store.Orders,
		Customers:     store.Customers,
		Alerts:        s.alertQueue,
	}, guard.DefaultThresholds(), clk, component("guard"))
	s.analytics = guard.NewAnalytics(store.Orders, store.Ledger, store.Analytics, clk, component("analytics"))

	s.tracking = tracking.NewWorker(store.Orders, s.machine, s.emitter, in.delivery,
		tracking.WithLogger(component("tracking")),
		tracking.WithClock(clk),
	)
	s.payRetry = payretry.NewWorker(store.Orders, s.machine, s.notifications,
		payretry.WithLogger(component("payretry")),
		payretry.WithClock(clk),
		payretry.WithMetrics(m),
	)
	s.reconcile = reconcile.NewWorker(store.Orders, in.payment, s.ingress,
		reconcile.WithLogger(component("reconcile")),
		reconcile.WithClock(clk),
		reconcile.WithMetrics(m),
		reconcile.WithBatchSize(cfg.WorkerBatchSize),
	)
	s.pickup = pickup.NewEngine(store.Orders, store.Customers, s.notifications, s.alertQueue,
		pickup.WithLogger(component("pickup")),
		pickup.WithClock(clk),
		pickup.WithMetrics(m),
	)

	returnOpts := []returns.Option{
		returns.WithLogger(component("returns")),
		returns.WithClock(clk),
		returns.WithMetrics(m),
	}
	if cfg.NPStatusMapFile != "" {
		statusMap, err := returns.LoadStatusMap(cfg.NPStatusMapFile)
		if err != nil {
			return nil, fmt.Errorf("load return status map: %w", err)
		}
		returnOpts = append(returnOpts, returns.WithStatusMap(statusMap))
	}
	s.returns = returns.NewEngine(returns.Deps{
		Orders:    store.Orders,
		Customers: store.Customers,
		Ledger:    store.Ledger,
		Machine:   s.machine,
		Alerts:    s.alertQueue,
		Provider:  in.delivery,
		Registry:  idempotency.NewRegistry(store.Idempotency, clk),
	}, returnOpts...)

	s.cleanup = idempotency.NewCleanupWorker(store.Idempotency,
		idempotency.WithLogger(component("idempotency-cleanup")),
		idempotency.WithClock(clk),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	)
	s.automation = automation.NewJob(store.Customers, s.cleanup, clk, component("automation"))

	return s, nil
}

// registerJobs регистрирует все периодические задачи сервиса.
func registerJobs(sched *scheduler.Scheduler, s *services, cfg Config) error {
	outboxRunner := scheduler.RunnerFunc(func(ctx context.Context) error {
		_, err := s.outbox.ProcessOnce(ctx)
		return err
	})
	notifyRunner := scheduler.RunnerFunc(func(ctx context.Context) error {
		_, err := s.notifyDispatch.ProcessOnce(ctx)
		return err
	})
	alertRunner := scheduler.RunnerFunc(func(ctx context.Context) error {
		_, err := s.alertDispatch.ProcessOnce(ctx)
		return err
	})

	jobs := []scheduler.Job{
		{Name: scheduler.JobOutbox, Interval: cfg.OutboxPollInterval, Timeout: time.Minute, Runner: outboxRunner},
		{Name: scheduler.JobTracking, Interval: 15 * time.Minute, Timeout: 10 * time.Minute, Runner: s.tracking},
		{Name: scheduler.JobNotifications, Interval: 30 * time.Second, Timeout: time.Minute, Runner: notifyRunner},
		{Name: scheduler.JobAdminAlerts, Interval: 15 * time.Second, Timeout: time.Minute, Runner: alertRunner},
		{Name: scheduler.JobAutomation, Interval: 10 * time.Minute, Timeout: 5 * time.Minute, Runner: s.automation},
		{Name: scheduler.JobGuard, Interval: 10 * time.Minute, Timeout: 5 * time.Minute, Runner: s.guard},
		{Name: scheduler.JobAnalyticsDaily, Daily: &scheduler.DailyAt{Hour: 2, Minute: 10}, Timeout: 30 * time.Minute, Runner: s.analytics},
		{Name: scheduler.JobPickupControl, Interval: 30 * time.Minute, Timeout: 10 * time.Minute, Runner: s.pickup},
		{Name: scheduler.JobPaymentRetry, Interval: 5 * time.Minute, Timeout: 4 * time.Minute, Runner: s.payRetry},
		{Name: scheduler.JobReconciliation, Interval: 10 * time.Minute, Timeout: 8 * time.Minute, Runner: s.reconcile},
		{Name: scheduler.JobReturns, Interval: 20 * time.Minute, Timeout: 15 * time.Minute, Runner: s.returns},
	}
	for _, job := range jobs {
		if err := sched.Register(job); err != nil {
			return err
		}
	}
	return nil
}
