package guard

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// Ключи системных инцидентов.
const (
	KeyWebhookRejections = "webhook_rejections"
	KeyOutboxDead        = "outbox_dead"
	KeyPaymentBacklog    = "payment_backlog"
)

var guardIncidentsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "marketplace_guard_incidents_active",
	Help: "Number of active guard incidents by type after the last evaluation.",
}, []string{"type"})

// Thresholds — пороги срабатывания правил.
type Thresholds struct {
	RejectionsWindow  time.Duration
	RejectionsMed     int
	RejectionsHigh    int
	BacklogAge        time.Duration
	BacklogCount      int
	FraudCODRefusals  int
	FraudReturns      int
	CustomerScanLimit int
}

// DefaultThresholds — пороги по умолчанию.
func DefaultThresholds() Thresholds {
	return Thresholds{
		RejectionsWindow:  time.Hour,
		RejectionsMed:     5,
		RejectionsHigh:    20,
		BacklogAge:        6 * time.Hour,
		BacklogCount:      10,
		FraudCODRefusals:  2,
		FraudReturns:      3,
		CustomerScanLimit: 5000,
	}
}

// Report — итог оценки.
type Report struct {
	Opened   int `json:"opened"`
	Updated  int `json:"updated"`
	Resolved int `json:"resolved"`
}

// Deps — источники данных и приёмники guard.
type Deps struct {
	Incidents     domain.IncidentRepository
	PaymentEvents domain.PaymentEventRepository
	Events        domain.DomainEventRepository
	Orders        domain.OrderRepository
	Customers     domain.CustomerRepository
	Alerts        domain.AlertSink
}

// Guard превращает скользящие метрики в инциденты.
type Guard struct {
	deps       Deps
	thresholds Thresholds
	clock      clock.Clock
	logger     *log.Entry
}

// New создаёт guard.
func New(deps Deps, thresholds Thresholds, c clock.Clock, logger *log.Entry) *Guard {
	if logger == nil {
		logger = log.WithField("component", "guard")
	}
	return &Guard{deps: deps, thresholds: thresholds, clock: clock.OrDefault(c), logger: logger}
}

type signal struct {
	incident domain.GuardIncident
	firing   bool
}

// Run выполняет одну оценку; используется планировщиком.
func (g *Guard) Run(ctx context.Context) error {
	_, err := g.Evaluate(ctx)
	return err
}

// Evaluate проверяет правила, открывает новые инциденты и закрывает погасшие.
func (g *Guard) Evaluate(ctx context.Context) (Report, error) {
	now := g.clock.Now()

	signals, err := g.systemSignals(ctx, now)
	if err != nil {
		return Report{}, err
	}
	fraud, err := g.fraudSignals(ctx, now)
	if err != nil {
		return Report{}, err
	}
	signals = append(signals, fraud...)

	active, err := g.deps.Incidents.List(ctx, []domain.IncidentStatus{domain.IncidentOpen, domain.IncidentMuted})
	if err != nil {
		return Report{}, fmt.Errorf("list incidents: %w", err)
	}
	firing := make(map[string]bool, len(signals))

	var report Report
	for _, s := range signals {
		if !s.firing {
			continue
		}
		firing[s.incident.Key] = true
		stored, created, err := g.deps.Incidents.Upsert(ctx, s.incident, now)
		if err != nil {
			return report, fmt.Errorf("upsert incident %s: %w", s.incident.Key, err)
		}
		if !created {
			report.Updated++
			continue
		}
		report.Opened++
		g.alert(ctx, stored)
	}

	for _, inc := range active {
		if firing[inc.Key] {
			continue
		}
		if _, err := g.deps.Incidents.Resolve(ctx, inc.Key, now); err != nil {
			g.logger.WithError(err).WithField("key", inc.Key).Warn("failed to resolve incident")
			continue
		}
		report.Resolved++
	}

	counts := make(map[string]int)
	for _, s := range signals {
		if s.firing {
			counts[s.incident.Type]++
		}
	}
	for _, t := range []string{domain.IncidentWebhookRejections, domain.IncidentOutboxDead, domain.IncidentPaymentBacklog, domain.IncidentCustomerFraud} {
		guardIncidentsActive.WithLabelValues(t).Set(float64(counts[t]))
	}

	if report.Opened > 0 || report.Resolved > 0 {
		g.logger.WithFields(log.Fields{
			"opened":   report.Opened,
			"updated":  report.Updated,
			"resolved": report.Resolved,
		}).Info("guard evaluation completed")
	}
	return report, nil
}

func (g *Guard) systemSignals(ctx context.Context, now time.Time) ([]signal, error) {
	th := g.thresholds

	rejections, err := g.deps.PaymentEvents.ListRejections(ctx, now.Add(-th.RejectionsWindow))
	if err != nil {
		return nil, fmt.Errorf("list webhook rejections: %w", err)
	}
	severity := domain.SeverityMed
	if len(rejections) >= th.RejectionsHigh {
		severity = domain.SeverityHigh
	}

	stats, err := g.deps.Events.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}

	awaiting, err := g.deps.Orders.List(ctx, domain.OrderFilter{
		Statuses:  []domain.OrderStatus{domain.OrderStatusAwaitingPayment},
		CreatedTo: now.Add(-th.BacklogAge),
	})
	if err != nil {
		return nil, fmt.Errorf("list payment backlog: %w", err)
	}

	return []signal{
		{
			firing: len(rejections) >= th.RejectionsMed,
			incident: domain.GuardIncident{
				Key:      KeyWebhookRejections,
				Type:     domain.IncidentWebhookRejections,
				Severity: severity,
				Payload:  mustJSON(map[string]any{"count": len(rejections), "window": th.RejectionsWindow.String()}),
			},
		},
		{
			firing: stats.TerminalCount > 0,
			incident: domain.GuardIncident{
				Key:      KeyOutboxDead,
				Type:     domain.IncidentOutboxDead,
				Severity: domain.SeverityHigh,
				Payload:  mustJSON(map[string]any{"terminal": stats.TerminalCount, "pending": stats.PendingCount}),
			},
		},
		{
			firing: len(awaiting) >= th.BacklogCount,
			incident: domain.GuardIncident{
				Key:      KeyPaymentBacklog,
				Type:     domain.IncidentPaymentBacklog,
				Severity: domain.SeverityMed,
				Payload:  mustJSON(map[string]any{"count": len(awaiting), "older_than": th.BacklogAge.String()}),
			},
		},
	}, nil
}

func (g *Guard) fraudSignals(ctx context.Context, now time.Time) ([]signal, error) {
	customers, err := g.deps.Customers.List(ctx, g.thresholds.CustomerScanLimit)
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}

	var out []signal
	for _, c := range customers {
		refusals := c.CODRefusals30d(now)
		returns := c.Returns60d(now)
		if refusals < g.thresholds.FraudCODRefusals && returns < g.thresholds.FraudReturns {
			continue
		}
		severity := domain.SeverityMed
		if refusals >= g.thresholds.FraudCODRefusals && returns >= g.thresholds.FraudReturns {
			severity = domain.SeverityHigh
		}
		out = append(out, signal{
			firing: true,
			incident: domain.GuardIncident{
				Key:      domain.FraudIncidentKey(c.Phone),
				Type:     domain.IncidentCustomerFraud,
				Severity: severity,
				Entity:   c.Phone,
				Payload:  mustJSON(map[string]any{"cod_refusals_30d": refusals, "returns_60d": returns}),
			},
		})
	}
	return out, nil
}

func (g *Guard) alert(ctx context.Context, inc domain.GuardIncident) {
	if g.deps.Alerts == nil {
		return
	}
	text := fmt.Sprintf("🛡 Інцидент %s (%s)", inc.Type, inc.Severity)
	if inc.Entity != "" {
		text += ": " + inc.Entity
	}
	if _, err := g.deps.Alerts.Raise(ctx, domain.AdminAlert{
		Type:      domain.AlertGuardIncident,
		Text:      text,
		Payload:   inc.Payload,
		DedupeKey: fmt.Sprintf("guard:%s:%d", inc.Key, inc.OpenedAt.Unix()),
	}); err != nil {
		g.logger.WithError(err).WithField("key", inc.Key).Warn("failed to raise guard alert")
	}
}

// Mute глушит инцидент на minutes минут.
func (g *Guard) Mute(ctx context.Context, key string, minutes int) (domain.GuardIncident, error) {
	if minutes <= 0 {
		return domain.GuardIncident{}, fmt.Errorf("mute %s: minutes must be positive", key)
	}
	now := g.clock.Now()
	inc, err := g.deps.Incidents.Mute(ctx, key, now.Add(time.Duration(minutes)*time.Minute), now)
	if err != nil {
		return domain.GuardIncident{}, fmt.Errorf("mute %s: %w", key, err)
	}
	return inc, nil
}

// Resolve закрывает инцидент вручную.
func (g *Guard) Resolve(ctx context.Context, key string) (domain.GuardIncident, error) {
	inc, err := g.deps.Incidents.Resolve(ctx, key, g.clock.Now())
	if err != nil {
		return domain.GuardIncident{}, fmt.Errorf("resolve %s: %w", key, err)
	}
	return inc, nil
}

// List возвращает инциденты в заданных статусах (все, если статусы не заданы).
func (g *Guard) List(ctx context.Context, statuses []domain.IncidentStatus) ([]domain.GuardIncident, error) {
	return g.deps.Incidents.List(ctx, statuses)
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
