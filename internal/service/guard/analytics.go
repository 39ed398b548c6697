package guard

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const dateLayout = "2006-01-02"

// Analytics строит дневные снимки и когорты клиентов.
type Analytics struct {
	orders    domain.OrderRepository
	ledger    domain.LedgerRepository
	analytics domain.AnalyticsRepository
	clock     clock.Clock
	logger    *log.Entry
}

// NewAnalytics создаёт построитель аналитики.
func NewAnalytics(orders domain.OrderRepository, ledger domain.LedgerRepository, analytics domain.AnalyticsRepository, c clock.Clock, logger *log.Entry) *Analytics {
	if logger == nil {
		logger = log.WithField("component", "analytics")
	}
	return &Analytics{orders: orders, ledger: ledger, analytics: analytics, clock: clock.OrDefault(c), logger: logger}
}

// Run пересчитывает вчерашний день и когорты; используется планировщиком.
func (a *Analytics) Run(ctx context.Context) error {
	yesterday := truncateDay(a.clock.Now()).AddDate(0, 0, -1)
	if _, err := a.ComputeDaily(ctx, yesterday); err != nil {
		return err
	}
	_, err := a.ComputeCohorts(ctx)
	return err
}

// ComputeDaily считает и сохраняет снимок за календарный день UTC.
func (a *Analytics) ComputeDaily(ctx context.Context, day time.Time) (domain.AnalyticsDaily, error) {
	from := truncateDay(day)
	to := from.AddDate(0, 0, 1)

	created, err := a.orders.List(ctx, domain.OrderFilter{CreatedFrom: from, CreatedTo: to})
	if err != nil {
		return domain.AnalyticsDaily{}, fmt.Errorf("list orders: %w", err)
	}
	// заказы, созданные раньше, могли сменить статус в этот день
	touched, err := a.orders.List(ctx, domain.OrderFilter{CreatedFrom: from.AddDate(0, 0, -90), CreatedTo: to})
	if err != nil {
		return domain.AnalyticsDaily{}, fmt.Errorf("list orders: %w", err)
	}
	entries, err := a.ledger.List(ctx, from, to)
	if err != nil {
		return domain.AnalyticsDaily{}, fmt.Errorf("list ledger: %w", err)
	}

	snapshot := domain.AnalyticsDaily{
		Date:          from.Format(dateLayout),
		OrdersCreated: len(created),
		Revenue:       decimal.Zero,
		Refunds:       decimal.Zero,
		ShippingCosts: decimal.Zero,
		DiscountTotal: decimal.Zero,
		ComputedAt:    a.clock.Now(),
	}

	for _, o := range created {
		switch o.Payment.PolicyMode {
		case domain.PolicyFullPrepaid:
			snapshot.PrepaidOrders++
		case domain.PolicyShipDeposit:
			snapshot.DepositOrders++
		case domain.PolicyCODAllowed:
			snapshot.CODOrders++
		}
		if o.Payment.Discount != nil {
			snapshot.DiscountTotal = snapshot.DiscountTotal.Add(o.Payment.Discount.Amount)
		}
	}

	for _, o := range touched {
		for _, h := range o.StatusHistory {
			if h.At.Before(from) || !h.At.Before(to) {
				continue
			}
			switch h.To {
			case domain.OrderStatusPaid:
				snapshot.OrdersPaid++
			case domain.OrderStatusDelivered:
				snapshot.OrdersDelivered++
			case domain.OrderStatusReturned:
				snapshot.OrdersReturned++
			case domain.OrderStatusCancelled, domain.OrderStatusCancelledAuto:
				snapshot.OrdersCancelled++
			}
		}
	}

	for _, e := range entries {
		switch e.Type {
		case domain.LedgerSaleIn, domain.LedgerCODIn:
			snapshot.Revenue = snapshot.Revenue.Add(e.Amount)
		case domain.LedgerRefundOut:
			snapshot.Refunds = snapshot.Refunds.Add(e.Amount)
		case domain.LedgerShipCostOut:
			snapshot.ShippingCosts = snapshot.ShippingCosts.Add(e.Amount)
		}
	}

	if err := a.analytics.UpsertDaily(ctx, snapshot); err != nil {
		return domain.AnalyticsDaily{}, fmt.Errorf("store daily snapshot: %w", err)
	}
	a.logger.WithFields(log.Fields{"date": snapshot.Date, "orders": snapshot.OrdersCreated}).Info("daily analytics computed")
	return snapshot, nil
}

// ComputeCohorts группирует клиентов по месяцу первого заказа.
// Выручка когорты — суммы оплаченных заказов её клиентов.
func (a *Analytics) ComputeCohorts(ctx context.Context) ([]domain.AnalyticsCohort, error) {
	orders, err := a.orders.List(ctx, domain.OrderFilter{})
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	type customerStats struct {
		first   time.Time
		orders  int
		revenue decimal.Decimal
	}
	byPhone := make(map[string]*customerStats)
	for _, o := range orders {
		phone := domain.NormalizePhone(o.Customer.Phone)
		if phone == "" {
			continue
		}
		st, ok := byPhone[phone]
		if !ok {
			st = &customerStats{first: o.CreatedAt, revenue: decimal.Zero}
			byPhone[phone] = st
		}
		if o.CreatedAt.Before(st.first) {
			st.first = o.CreatedAt
		}
		st.orders++
		if o.Payment.Prepaid() {
			st.revenue = st.revenue.Add(o.Payment.PaidAmount)
		}
	}

	now := a.clock.Now()
	cohorts := make(map[string]*domain.AnalyticsCohort)
	for _, st := range byPhone {
		key := st.first.UTC().Format("2006-01")
		c, ok := cohorts[key]
		if !ok {
			c = &domain.AnalyticsCohort{Cohort: key, Revenue: decimal.Zero, ComputedAt: now}
			cohorts[key] = c
		}
		c.Customers++
		c.Orders += st.orders
		c.Revenue = c.Revenue.Add(st.revenue)
		if st.orders > 1 {
			c.RepeatCustomers++
		}
	}

	result := make([]domain.AnalyticsCohort, 0, len(cohorts))
	for _, c := range cohorts {
		if err := a.analytics.UpsertCohort(ctx, *c); err != nil {
			return nil, fmt.Errorf("store cohort %s: %w", c.Cohort, err)
		}
		result = append(result, *c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Cohort < result[j].Cohort })
	return result, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
