package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const maxHealthRangeDays = 90

// Ratio — доля с числителем и знаменателем.
type Ratio struct {
	Numerator   int     `json:"numerator"`
	Denominator int     `json:"denominator"`
	Rate        float64 `json:"rate"`
}

func newRatio(num, den int) Ratio {
	r := Ratio{Numerator: num, Denominator: den}
	if den > 0 {
		r.Rate = float64(num) / float64(den)
	}
	return r
}

// DiscountStats — аналитика скидки за предоплату.
type DiscountStats struct {
	Orders      int             `json:"orders"`
	PaidOrders  int             `json:"paid_orders"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// HealthReport — панель здоровья платежей за период.
type HealthReport struct {
	RangeDays          int           `json:"range_days"`
	From               time.Time     `json:"from"`
	To                 time.Time     `json:"to"`
	WebhookSuccessRate Ratio         `json:"webhook_success_rate"`
	ReconciliationFix  int           `json:"reconciliation_fixes"`
	RetryRecovery      Ratio         `json:"retry_recovery"`
	DepositConversion  Ratio         `json:"deposit_conversion"`
	PrepaidConversion  Ratio         `json:"prepaid_conversion"`
	Discount           DiscountStats `json:"discount"`
}

// HealthService считает метрики панели по журналам платежей и заказам.
type HealthService struct {
	orders domain.OrderRepository
	events domain.PaymentEventRepository
	clock  clock.Clock
}

// NewHealthService создаёт сервис панели здоровья платежей.
func NewHealthService(orders domain.OrderRepository, events domain.PaymentEventRepository, c clock.Clock) *HealthService {
	return &HealthService{orders: orders, events: events, clock: clock.OrDefault(c)}
}

// Report строит отчёт за последние rangeDays суток (1..90, по умолчанию 7).
func (s *HealthService) Report(ctx context.Context, rangeDays int) (HealthReport, error) {
	if rangeDays <= 0 {
		rangeDays = 7
	}
	if rangeDays > maxHealthRangeDays {
		rangeDays = maxHealthRangeDays
	}
	now := s.clock.Now()
	from := now.Add(-time.Duration(rangeDays) * 24 * time.Hour)
	report := HealthReport{RangeDays: rangeDays, From: from, To: now, Discount: DiscountStats{TotalAmount: decimal.Zero}}

	events, err := s.events.List(ctx, from)
	if err != nil {
		return HealthReport{}, fmt.Errorf("list payment events: %w", err)
	}
	rejections, err := s.events.ListRejections(ctx, from)
	if err != nil {
		return HealthReport{}, fmt.Errorf("list webhook rejections: %w", err)
	}

	accepted := 0
	for _, e := range events {
		switch e.Source {
		case domain.PaymentSourceReconciliation:
			report.ReconciliationFix++
		default:
			accepted++
		}
	}
	report.WebhookSuccessRate = newRatio(accepted, accepted+len(rejections))

	orders, err := s.orders.List(ctx, domain.OrderFilter{CreatedFrom: from, CreatedTo: now.Add(time.Second)})
	if err != nil {
		return HealthReport{}, fmt.Errorf("list orders: %w", err)
	}

	var reminded, recovered, deposit, depositPaid, prepaid, prepaidPaid int
	for _, o := range orders {
		paid := o.Payment.Prepaid()
		if o.Payment.RemindersSent > 0 {
			reminded++
			if paid {
				recovered++
			}
		}
		switch o.Payment.PolicyMode {
		case domain.PolicyShipDeposit:
			deposit++
			if paid {
				depositPaid++
			}
		case domain.PolicyFullPrepaid:
			prepaid++
			if paid {
				prepaidPaid++
			}
		}
		if o.Payment.Discount != nil {
			report.Discount.Orders++
			report.Discount.TotalAmount = report.Discount.TotalAmount.Add(o.Payment.Discount.Amount)
			if paid {
				report.Discount.PaidOrders++
			}
		}
	}
	report.RetryRecovery = newRatio(recovered, reminded)
	report.DepositConversion = newRatio(depositPaid, deposit)
	report.PrepaidConversion = newRatio(prepaidPaid, prepaid)

	return report, nil
}
