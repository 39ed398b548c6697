package policy

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// Режимы расчёта скидки за предоплату.
const (
	DiscountModePercent = "PERCENT"
	DiscountModeFixed   = "FIXED"
)

// DiscountReason — причина скидки в документе заказа.
const DiscountReason = "PREPAID_PROMO"

// DiscountConfig — параметры скидки за предоплату.
type DiscountConfig struct {
	Enabled  bool
	Mode     string
	Value    decimal.Decimal
	ApplyTo  []domain.PolicyMode
	MaxUAH   decimal.Decimal
	MinOrder decimal.Decimal
}

// DefaultDiscountConfig — скидка выключена, применяется только к FULL_PREPAID.
func DefaultDiscountConfig() DiscountConfig {
	return DiscountConfig{
		Mode:    DiscountModePercent,
		ApplyTo: []domain.PolicyMode{domain.PolicyFullPrepaid},
	}
}

// AppliesTo сообщает, распространяется ли скидка на режим оплаты.
func (c DiscountConfig) AppliesTo(mode domain.PolicyMode) bool {
	for _, m := range c.ApplyTo {
		if m == mode {
			return true
		}
	}
	return false
}

// Compute рассчитывает скидку для суммы grand. override — значение A/B-теста:
// nil не меняет конфигурацию, значение <= 0 отключает скидку (контрольная группа).
func (c DiscountConfig) Compute(mode domain.PolicyMode, grand decimal.Decimal, override *decimal.Decimal) (domain.Discount, bool) {
	if !c.Enabled || !c.AppliesTo(mode) {
		return domain.Discount{}, false
	}
	if grand.LessThan(c.MinOrder) {
		return domain.Discount{}, false
	}

	value := c.Value
	if override != nil {
		if !override.IsPositive() {
			return domain.Discount{}, false
		}
		value = *override
	}

	var amount decimal.Decimal
	discountMode := strings.ToUpper(strings.TrimSpace(c.Mode))
	switch discountMode {
	case DiscountModeFixed:
		amount = decimal.Min(value, grand)
	default:
		discountMode = DiscountModePercent
		amount = grand.Mul(value).Div(decimal.NewFromInt(100)).Round(2)
	}
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	if c.MaxUAH.IsPositive() {
		amount = decimal.Min(amount, c.MaxUAH)
	}
	if !amount.IsPositive() {
		return domain.Discount{}, false
	}

	return domain.Discount{
		Type:        discountMode,
		Value:       value,
		Amount:      amount,
		Reason:      DiscountReason,
		Description: describe(discountMode, value, amount),
	}, true
}

func describe(mode string, value, amount decimal.Decimal) string {
	if mode == DiscountModeFixed {
		return fmt.Sprintf("Знижка %s грн за повну передоплату", amount.StringFixed(2))
	}
	return fmt.Sprintf("Знижка %s%% за повну передоплату (-%s грн)", value.String(), amount.StringFixed(2))
}

// ApplyDiscount записывает скидку в заказ и уменьшает grand.
// Повторное применение не меняет суммы.
func ApplyDiscount(order *domain.Order, discount domain.Discount) {
	if order.Payment.Discount != nil {
		return
	}
	before := order.Totals.Grand
	order.Totals.GrandBeforeDiscount = &before
	order.Totals.Grand = before.Sub(discount.Amount)
	d := discount
	order.Payment.Discount = &d
}

// ReverseDiscount снимает скидку: grand = grand_before_discount.
func ReverseDiscount(order *domain.Order) bool {
	if order.Payment.Discount == nil || order.Totals.GrandBeforeDiscount == nil {
		return false
	}
	order.Totals.Grand = *order.Totals.GrandBeforeDiscount
	order.Totals.GrandBeforeDiscount = nil
	order.Payment.Discount = nil
	return true
}
