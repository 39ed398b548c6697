package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// IncidentStatus — жизненный цикл инцидента.
type IncidentStatus string

const (
	IncidentOpen     IncidentStatus = "OPEN"
	IncidentMuted    IncidentStatus = "MUTED"
	IncidentResolved IncidentStatus = "RESOLVED"
)

// Severity — важность инцидента.
type Severity string

const (
	SeverityLow  Severity = "LOW"
	SeverityMed  Severity = "MED"
	SeverityHigh Severity = "HIGH"
)

// Типы инцидентов.
const (
	IncidentWebhookRejections = "WEBHOOK_REJECTIONS_SPIKE"
	IncidentOutboxDead        = "OUTBOX_DEAD_EVENTS"
	IncidentPaymentBacklog    = "PAYMENT_BACKLOG"
	IncidentCustomerFraud     = "CUSTOMER_FRAUD_RISK"
)

// FraudIncidentKey — ключ инцидента риска по клиенту.
func FraudIncidentKey(phone string) string {
	return "fraud:" + NormalizePhone(phone)
}

// GuardIncident — операционный или рисковый сигнал. Key уникален.
type GuardIncident struct {
	Key        string          `json:"key"`
	Type       string          `json:"type"`
	Severity   Severity        `json:"severity"`
	Status     IncidentStatus  `json:"status"`
	Entity     string          `json:"entity,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	MutedUntil *time.Time      `json:"muted_until,omitempty"`
	OpenedAt   time.Time       `json:"opened_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// Active — инцидент открыт или заглушён, но не решён.
func (i GuardIncident) Active() bool {
	return i.Status == IncidentOpen || i.Status == IncidentMuted
}

// AnalyticsDaily — дневной снимок метрик.
type AnalyticsDaily struct {
	Date            string          `json:"date"`
	OrdersCreated   int             `json:"orders_created"`
	OrdersPaid      int             `json:"orders_paid"`
	OrdersDelivered int             `json:"orders_delivered"`
	OrdersReturned  int             `json:"orders_returned"`
	OrdersCancelled int             `json:"orders_cancelled"`
	Revenue         decimal.Decimal `json:"revenue"`
	Refunds         decimal.Decimal `json:"refunds"`
	ShippingCosts   decimal.Decimal `json:"shipping_costs"`
	DiscountTotal   decimal.Decimal `json:"discount_total"`
	DepositOrders   int             `json:"deposit_orders"`
	PrepaidOrders   int             `json:"prepaid_orders"`
	CODOrders       int             `json:"cod_orders"`
	ComputedAt      time.Time       `json:"computed_at"`
}

// AnalyticsCohort — когорта клиентов по месяцу первого заказа.
type AnalyticsCohort struct {
	Cohort          string          `json:"cohort"`
	Customers       int             `json:"customers"`
	RepeatCustomers int             `json:"repeat_customers"`
	Orders          int             `json:"orders"`
	Revenue         decimal.Decimal `json:"revenue"`
	ComputedAt      time.Time       `json:"computed_at"`
}
