package checkout

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/service/policy"
)

// PolicyDecider выбирает режим оплаты для нового заказа.
type PolicyDecider interface {
	Decide(ctx context.Context, in policy.Input) (policy.Decision, error)
}

// Item — позиция корзины.
type Item struct {
	SKU   string          `json:"sku"`
	Name  string          `json:"name,omitempty"`
	Qty   int             `json:"qty"`
	Price decimal.Decimal `json:"price"`
}

// Request — данные оформления заказа.
type Request struct {
	UserID           string                 `json:"-"`
	Name             string                 `json:"name,omitempty"`
	Phone            string                 `json:"phone"`
	Email            string                 `json:"email,omitempty"`
	City             string                 `json:"city"`
	CityRef          string                 `json:"city_ref,omitempty"`
	WarehouseRef     string                 `json:"warehouse_ref,omitempty"`
	PickupPointType  domain.PickupPointType `json:"pickup_point_type,omitempty"`
	Subtotal         decimal.Decimal        `json:"subtotal"`
	Shipping         decimal.Decimal        `json:"shipping"`
	Items            []Item                 `json:"items"`
	IsNewCustomer    *bool                  `json:"is_new_customer,omitempty"`
	DiscountOverride *decimal.Decimal       `json:"discount_override,omitempty"`
}

// Result — созданный заказ и решение политики.
type Result struct {
	Order    domain.Order    `json:"order"`
	Decision policy.Decision `json:"decision"`
}

// Service оформляет заказы.
type Service struct {
	orders    domain.OrderRepository
	customers domain.CustomerRepository
	decider   PolicyDecider
	clock     clock.Clock
	logger    *log.Entry
}

// NewService создаёт сервис оформления заказов.
func NewService(orders domain.OrderRepository, customers domain.CustomerRepository, decider PolicyDecider, c clock.Clock, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "checkout")
	}
	return &Service{orders: orders, customers: customers, decider: decider, clock: clock.OrDefault(c), logger: logger}
}

// PlaceOrder создаёт заказ в статусе NEW с режимом оплаты, скидкой и итогами.
// COD-заказы остаются в NEW; предоплатные ждут создания платежа.
func (s *Service) PlaceOrder(ctx context.Context, req Request) (Result, error) {
	phone := domain.NormalizePhone(req.Phone)
	if phone == "" {
		return Result{}, domain.ErrPhoneRequired
	}
	subtotal, err := resolveSubtotal(req)
	if err != nil {
		return Result{}, err
	}
	if req.Shipping.IsNegative() {
		return Result{}, domain.ErrAmountNegative
	}
	grand := subtotal.Add(req.Shipping)

	decision, err := s.decider.Decide(ctx, policy.Input{
		Phone:            phone,
		City:             req.City,
		Amount:           grand,
		IsNewCustomer:    req.IsNewCustomer,
		DiscountOverride: req.DiscountOverride,
	})
	if err != nil {
		return Result{}, fmt.Errorf("decide payment policy: %w", err)
	}

	now := s.clock.Now()
	order := domain.Order{
		ID:       clock.NewID(),
		UserID:   req.UserID,
		Status:   domain.OrderStatusNew,
		Version:  1,
		Customer: domain.Contact{Name: strings.TrimSpace(req.Name), Phone: phone, Email: strings.TrimSpace(req.Email)},
		Totals: domain.Totals{
			Subtotal: subtotal,
			Shipping: req.Shipping,
			Grand:    grand,
		},
		Payment: domain.Payment{
			PolicyMode:    decision.Mode,
			PolicyReasons: append([]string(nil), decision.Reasons...),
		},
		Shipment: domain.Shipment{
			Provider:        "novaposhta",
			City:            strings.TrimSpace(req.City),
			CityRef:         req.CityRef,
			WarehouseRef:    req.WarehouseRef,
			PickupPointType: req.PickupPointType,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, item := range req.Items {
		order.Items = append(order.Items, domain.OrderItem{SKU: item.SKU, Name: item.Name, Qty: item.Qty, Price: item.Price})
	}
	if decision.Discount != nil {
		policy.ApplyDiscount(&order, *decision.Discount)
	}
	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return Result{}, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, errs)
	}

	if err := s.orders.Create(ctx, order); err != nil {
		return Result{}, fmt.Errorf("create order: %w", err)
	}

	if _, err := s.customers.Upsert(ctx, phone, func(c *domain.Customer) {
		if c.FirstOrderAt == nil {
			c.FirstOrderAt = domain.TimePtr(now)
		}
		if c.UserID == "" {
			c.UserID = req.UserID
		}
		c.OrdersCount++
	}); err != nil {
		s.logger.WithError(err).WithField("order_id", order.ID).Warn("failed to update customer profile")
	}

	s.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"mode":     decision.Mode,
		"grand":    order.Totals.Grand.StringFixed(2),
	}).Info("order placed")
	return Result{Order: order, Decision: decision}, nil
}

func resolveSubtotal(req Request) (decimal.Decimal, error) {
	if len(req.Items) == 0 {
		if req.Subtotal.IsNegative() {
			return decimal.Zero, domain.ErrAmountNegative
		}
		return req.Subtotal, nil
	}

	sum := decimal.Zero
	for _, item := range req.Items {
		if item.Qty <= 0 {
			return decimal.Zero, domain.ErrItemQtyInvalid
		}
		if item.Price.IsNegative() {
			return decimal.Zero, domain.ErrItemPriceInvalid
		}
		sum = sum.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Qty))))
	}
	if !req.Subtotal.IsZero() && !req.Subtotal.Equal(sum) {
		return decimal.Zero, fmt.Errorf("subtotal %s does not match items %s: %w", req.Subtotal.StringFixed(2), sum.StringFixed(2), domain.ErrInvalidArgument)
	}
	return sum, nil
}
