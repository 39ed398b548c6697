package payment

import (
	"context"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/service/policy"
)

// CheckoutResult — ответ на создание платёжной сессии.
type CheckoutResult struct {
	OrderID         string               `json:"order_id"`
	Provider        string               `json:"provider"`
	ProviderOrderID string               `json:"provider_order_id"`
	Method          domain.PaymentMethod `json:"method"`
	Amount          decimal.Decimal      `json:"amount"`
	CheckoutURL     string               `json:"checkout_url"`
	PaymentID       string               `json:"payment_id,omitempty"`
	Payload         map[string]any       `json:"payload,omitempty"`
}

// CheckoutService создаёт у провайдера сессии оплаты депозита или полной суммы.
type CheckoutService struct {
	orders   domain.OrderRepository
	machine  domain.StateMachine
	provider domain.PaymentProvider
	cfg      policy.Config
	clock    clock.Clock
	logger   *log.Entry
}

// NewCheckoutService создаёт сервис платёжных сессий.
func NewCheckoutService(orders domain.OrderRepository, machine domain.StateMachine, provider domain.PaymentProvider, cfg policy.Config, c clock.Clock, logger *log.Entry) *CheckoutService {
	if logger == nil {
		logger = log.WithField("component", "payment-checkout")
	}
	return &CheckoutService{
		orders:   orders,
		machine:  machine,
		provider: provider,
		cfg:      cfg,
		clock:    clock.OrDefault(c),
		logger:   logger,
	}
}

// CreateDeposit создаёт сессию оплаты депозита за доставку.
func (s *CheckoutService) CreateDeposit(ctx context.Context, orderID string, amount decimal.Decimal) (CheckoutResult, error) {
	return s.create(ctx, orderID, domain.PaymentMethodDeposit, amount)
}

// CreateFull создаёт сессию оплаты полной суммы заказа.
func (s *CheckoutService) CreateFull(ctx context.Context, orderID string, amount decimal.Decimal) (CheckoutResult, error) {
	return s.create(ctx, orderID, domain.PaymentMethodFull, amount)
}

func (s *CheckoutService) create(ctx context.Context, orderID string, method domain.PaymentMethod, requested decimal.Decimal) (CheckoutResult, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return CheckoutResult{}, err
	}
	if order.Status != domain.OrderStatusNew && order.Status != domain.OrderStatusAwaitingPayment {
		return CheckoutResult{}, fmt.Errorf("%w: checkout from %s", domain.ErrInvalidTransition, order.Status)
	}
	if method == domain.PaymentMethodDeposit && order.Payment.PolicyMode == domain.PolicyFullPrepaid {
		return CheckoutResult{}, fmt.Errorf("%w: deposit not allowed for %s", domain.ErrPolicyDenied, order.Payment.PolicyMode)
	}

	// депозит не сохраняет скидку, если она не распространяется на SHIP_DEPOSIT
	reverseDiscount := method == domain.PaymentMethodDeposit &&
		order.Payment.Discount != nil &&
		!s.cfg.Discount.AppliesTo(domain.PolicyShipDeposit)
	preview := order.Clone()
	if reverseDiscount {
		policy.ReverseDiscount(&preview)
	}

	amount := s.amountFor(preview, method)
	if requested.IsPositive() && !requested.Equal(amount) {
		return CheckoutResult{}, fmt.Errorf("%w: amount %s, expected %s", domain.ErrPolicyDenied, requested.StringFixed(2), amount.StringFixed(2))
	}

	attempt := order.Payment.CheckoutCount + 1
	providerOrderID := order.ID + "_" + strconv.Itoa(attempt)
	session, err := s.provider.CreateCheckout(ctx, domain.CheckoutRequest{
		OrderID:         order.ID,
		ProviderOrderID: providerOrderID,
		Amount:          amount,
		Description:     checkoutDescription(order.ID, method),
		Method:          method,
	})
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("create checkout: %w", err)
	}

	now := s.clock.Now()
	apply := func(o *domain.Order) error {
		if reverseDiscount {
			policy.ReverseDiscount(o)
		}
		o.Payment.Method = method
		o.Payment.Provider = s.provider.Name()
		o.Payment.ProviderOrderID = providerOrderID
		o.Payment.PaymentID = session.PaymentID
		o.Payment.CheckoutURL = session.CheckoutURL
		o.Payment.CheckoutAmount = amount
		o.Payment.CheckoutCount = attempt
		o.UpdatedAt = now
		return nil
	}

	if order.Status == domain.OrderStatusNew {
		_, err = s.machine.Transition(ctx, domain.TransitionRequest{
			OrderID: order.ID,
			From:    domain.OrderStatusNew,
			To:      domain.OrderStatusAwaitingPayment,
			Reason:  ReasonCheckoutCreated,
			Actor:   "customer",
			Meta:    map[string]any{"method": string(method), "provider_order_id": providerOrderID},
			Mutate:  apply,
		})
	} else {
		_, err = s.orders.Update(ctx, order.ID, apply)
	}
	if err != nil {
		return CheckoutResult{}, err
	}

	s.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"method":   method,
		"amount":   amount.String(),
	}).Info("checkout created")

	return CheckoutResult{
		OrderID:         order.ID,
		Provider:        s.provider.Name(),
		ProviderOrderID: providerOrderID,
		Method:          method,
		Amount:          amount,
		CheckoutURL:     session.CheckoutURL,
		PaymentID:       session.PaymentID,
		Payload:         session.Payload,
	}, nil
}

func (s *CheckoutService) amountFor(order domain.Order, method domain.PaymentMethod) decimal.Decimal {
	if method == domain.PaymentMethodDeposit {
		return decimal.Min(s.cfg.DepositAmount, order.Totals.Grand)
	}
	return order.Totals.Grand
}

func checkoutDescription(orderID string, method domain.PaymentMethod) string {
	if method == domain.PaymentMethodDeposit {
		return "Депозит за доставку, замовлення " + orderID
	}
	return "Оплата замовлення " + orderID
}
