package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// Причины решения.
const (
	ReasonRiskHigh         = "RISK_HIGH"
	ReasonNewLarge         = "NEW_LARGE"
	ReasonUnknownCityLarge = "UNKNOWN_CITY_LARGE"
	ReasonCODDefault       = "COD_DEFAULT"
)

const defaultCODRefusalLimit = 2

var policyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "marketplace_policy_decisions_total",
	Help: "Total number of payment policy decisions grouped by mode and reason.",
}, []string{"mode", "reason"})

// Config — пороги решающего правила.
type Config struct {
	NewLargeThreshold    decimal.Decimal
	UnknownCityThreshold decimal.Decimal
	DepositAmount        decimal.Decimal
	CODRefusalLimit      int
	Discount             DiscountConfig
}

// DefaultConfig возвращает пороги по умолчанию.
func DefaultConfig() Config {
	return Config{
		NewLargeThreshold:    decimal.NewFromInt(5000),
		UnknownCityThreshold: decimal.NewFromInt(3000),
		DepositAmount:        decimal.NewFromInt(200),
		CODRefusalLimit:      defaultCODRefusalLimit,
		Discount:             DefaultDiscountConfig(),
	}
}

// Input — параметры решения. IsNewCustomer == nil означает «определить по CRM».
type Input struct {
	Phone            string
	City             string
	Amount           decimal.Decimal
	IsNewCustomer    *bool
	DiscountOverride *decimal.Decimal
}

// Deposit — параметры депозита за доставку.
type Deposit struct {
	Amount  decimal.Decimal `json:"amount"`
	Payload map[string]any  `json:"payload"`
}

// AdjustedTotals — суммы после скидки.
type AdjustedTotals struct {
	GrandBeforeDiscount decimal.Decimal `json:"grand_before_discount"`
	Grand               decimal.Decimal `json:"grand"`
}

// Decision — результат решающего правила.
type Decision struct {
	Mode     domain.PolicyMode `json:"mode"`
	Reasons  []string          `json:"reasons"`
	Deposit  *Deposit          `json:"deposit,omitempty"`
	Discount *domain.Discount  `json:"discount,omitempty"`
	Totals   *AdjustedTotals   `json:"totals,omitempty"`
}

// Decider выбирает режим оплаты. Порядок правил фиксирован: первое совпадение выигрывает.
type Decider struct {
	customers domain.CustomerRepository
	incidents domain.IncidentRepository
	orders    domain.OrderRepository
	cfg       Config
	clock     clock.Clock
	logger    *log.Entry
}

// NewDecider создаёт решающее правило.
func NewDecider(customers domain.CustomerRepository, incidents domain.IncidentRepository, orders domain.OrderRepository, cfg Config, c clock.Clock, logger *log.Entry) *Decider {
	if logger == nil {
		logger = log.WithField("component", "payment-policy")
	}
	if cfg.CODRefusalLimit <= 0 {
		cfg.CODRefusalLimit = defaultCODRefusalLimit
	}
	return &Decider{
		customers: customers,
		incidents: incidents,
		orders:    orders,
		cfg:       cfg,
		clock:     clock.OrDefault(c),
		logger:    logger,
	}
}

// Config возвращает действующие пороги.
func (d *Decider) Config() Config {
	return d.cfg
}

// Decide применяет правила к входу.
func (d *Decider) Decide(ctx context.Context, in Input) (Decision, error) {
	if strings.TrimSpace(in.Phone) == "" {
		return Decision{}, domain.ErrPhoneRequired
	}
	if in.Amount.IsNegative() {
		return Decision{}, domain.ErrAmountNegative
	}

	customer, known, err := d.lookupCustomer(ctx, in.Phone)
	if err != nil {
		return Decision{}, err
	}

	decision, err := d.decideMode(ctx, in, customer, known)
	if err != nil {
		return Decision{}, err
	}

	if decision.Mode == domain.PolicyShipDeposit {
		deposit := decimal.Min(d.cfg.DepositAmount, in.Amount)
		decision.Deposit = &Deposit{
			Amount: deposit,
			Payload: map[string]any{
				"purpose":       "shipping_deposit",
				"amount":        deposit.StringFixed(2),
				"cod_remainder": in.Amount.Sub(deposit).StringFixed(2),
			},
		}
	}

	if discount, ok := d.cfg.Discount.Compute(decision.Mode, in.Amount, in.DiscountOverride); ok {
		decision.Discount = &discount
		decision.Totals = &AdjustedTotals{
			GrandBeforeDiscount: in.Amount,
			Grand:               in.Amount.Sub(discount.Amount),
		}
	}

	policyDecisions.WithLabelValues(string(decision.Mode), decision.Reasons[0]).Inc()
	return decision, nil
}

func (d *Decider) decideMode(ctx context.Context, in Input, customer domain.Customer, known bool) (Decision, error) {
	risky, err := d.risky(ctx, in.Phone, customer, known)
	if err != nil {
		return Decision{}, err
	}
	if risky {
		return Decision{Mode: domain.PolicyFullPrepaid, Reasons: []string{ReasonRiskHigh}}, nil
	}

	isNew := !known || customer.OrdersCount == 0
	if in.IsNewCustomer != nil {
		isNew = *in.IsNewCustomer
	}
	if isNew && in.Amount.GreaterThanOrEqual(d.cfg.NewLargeThreshold) {
		return Decision{Mode: domain.PolicyShipDeposit, Reasons: []string{ReasonNewLarge}}, nil
	}

	if in.Amount.GreaterThanOrEqual(d.cfg.UnknownCityThreshold) {
		knownCity, err := d.cityKnown(ctx, in.City)
		if err != nil {
			return Decision{}, err
		}
		if !knownCity {
			return Decision{Mode: domain.PolicyShipDeposit, Reasons: []string{ReasonUnknownCityLarge}}, nil
		}
	}

	return Decision{Mode: domain.PolicyCODAllowed, Reasons: []string{ReasonCODDefault}}, nil
}

func (d *Decider) lookupCustomer(ctx context.Context, phone string) (domain.Customer, bool, error) {
	customer, err := d.customers.Get(ctx, phone)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Customer{}, false, nil
	}
	if err != nil {
		return domain.Customer{}, false, fmt.Errorf("load customer: %w", err)
	}
	return customer, true, nil
}

func (d *Decider) risky(ctx context.Context, phone string, customer domain.Customer, known bool) (bool, error) {
	if known {
		if customer.Blocked {
			return true, nil
		}
		if customer.CODRefusals30d(d.clock.Now()) >= d.cfg.CODRefusalLimit {
			return true, nil
		}
	}

	incident, err := d.incidents.Get(ctx, domain.FraudIncidentKey(phone))
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("load fraud incident: %w", err)
	}
	return incident.Active(), nil
}

// cityKnown — в город уже доставлялся хотя бы один заказ.
func (d *Decider) cityKnown(ctx context.Context, city string) (bool, error) {
	if strings.TrimSpace(city) == "" {
		return false, nil
	}
	orders, err := d.orders.List(ctx, domain.OrderFilter{
		Statuses: []domain.OrderStatus{domain.OrderStatusDelivered},
		City:     city,
		Limit:    1,
	})
	if err != nil {
		return false, fmt.Errorf("city history: %w", err)
	}
	return len(orders) > 0, nil
}
