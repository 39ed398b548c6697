package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает жизненный цикл заказа маркетплейса.
type OrderStatus string

const (
	// OrderStatusNew — заказ оформлен, способ оплаты ещё не выбран.
	OrderStatusNew OrderStatus = "NEW"
	// OrderStatusAwaitingPayment — создан checkout у провайдера, ждём оплату.
	OrderStatusAwaitingPayment OrderStatus = "AWAITING_PAYMENT"
	// OrderStatusPaid — оплата подтверждена провайдером.
	OrderStatusPaid OrderStatus = "PAID"
	// OrderStatusProcessing — заказ комплектуется.
	OrderStatusProcessing OrderStatus = "PROCESSING"
	// OrderStatusShipped — посылка передана перевозчику (ТТН создана).
	OrderStatusShipped OrderStatus = "SHIPPED"
	// OrderStatusDelivered — посылка получена клиентом.
	OrderStatusDelivered OrderStatus = "DELIVERED"
	// OrderStatusReturned — посылка вернулась отправителю.
	OrderStatusReturned OrderStatus = "RETURNED"
	// OrderStatusRefundRequested — клиент запросил возврат средств.
	OrderStatusRefundRequested OrderStatus = "REFUND_REQUESTED"
	// OrderStatusCancelled — заказ отменён вручную.
	OrderStatusCancelled OrderStatus = "CANCELLED"
	// OrderStatusRefunded — средства возвращены клиенту.
	OrderStatusRefunded OrderStatus = "REFUNDED"
	// OrderStatusCancelledAuto — заказ отменён автоматически (таймаут оплаты).
	OrderStatusCancelledAuto OrderStatus = "CANCELLED_AUTO"
)

var allowedTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusNew:             {OrderStatusAwaitingPayment, OrderStatusCancelled},
	OrderStatusAwaitingPayment: {OrderStatusPaid, OrderStatusCancelled, OrderStatusCancelledAuto},
	OrderStatusPaid:            {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing:      {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:         {OrderStatusDelivered, OrderStatusReturned},
	OrderStatusDelivered:       {OrderStatusReturned, OrderStatusRefundRequested},
	OrderStatusReturned:        {OrderStatusRefundRequested},
	OrderStatusRefundRequested: {OrderStatusRefunded},
}

// Valid проверяет, что статус входит в известное множество.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusNew, OrderStatusAwaitingPayment, OrderStatusPaid, OrderStatusProcessing,
		OrderStatusShipped, OrderStatusDelivered, OrderStatusReturned, OrderStatusRefundRequested,
		OrderStatusCancelled, OrderStatusRefunded, OrderStatusCancelledAuto:
		return true
	default:
		return false
	}
}

// Terminal возвращает true для статусов без исходящих переходов.
func (s OrderStatus) Terminal() bool {
	return s.Valid() && len(allowedTransitions[s]) == 0
}

// CanTransition сообщает, разрешён ли переход from → to.
func CanTransition(from, to OrderStatus) bool {
	for _, target := range allowedTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// AllowedTargets возвращает копию списка допустимых целевых статусов.
func AllowedTargets(from OrderStatus) []OrderStatus {
	return append([]OrderStatus(nil), allowedTransitions[from]...)
}

// PolicyMode — режим оплаты, выбранный решающим правилом.
type PolicyMode string

const (
	PolicyFullPrepaid PolicyMode = "FULL_PREPAID"
	PolicyShipDeposit PolicyMode = "SHIP_DEPOSIT"
	PolicyCODAllowed  PolicyMode = "COD_ALLOWED"
)

// PaymentMethod — фактически выбранный клиентом способ оплаты.
type PaymentMethod string

const (
	PaymentMethodCOD     PaymentMethod = "COD"
	PaymentMethodDeposit PaymentMethod = "DEPOSIT"
	PaymentMethodFull    PaymentMethod = "FULL"
)

// PickupPointType — тип пункта выдачи Новой Почты.
type PickupPointType string

const (
	PickupPointBranch PickupPointType = "BRANCH"
	PickupPointLocker PickupPointType = "LOCKER"
)

// Totals хранит суммы заказа в гривнах.
type Totals struct {
	Subtotal            decimal.Decimal  `json:"subtotal"`
	Shipping            decimal.Decimal  `json:"shipping"`
	Grand               decimal.Decimal  `json:"grand"`
	GrandBeforeDiscount *decimal.Decimal `json:"grand_before_discount,omitempty"`
}

// Discount описывает скидку, применённую к заказу.
type Discount struct {
	Type        string          `json:"type"`
	Value       decimal.Decimal `json:"value"`
	Amount      decimal.Decimal `json:"amount"`
	Reason      string          `json:"reason"`
	Description string          `json:"description"`
}

// Payment — платёжный блок заказа.
type Payment struct {
	Method          PaymentMethod   `json:"method,omitempty"`
	Provider        string          `json:"provider,omitempty"`
	ProviderOrderID string          `json:"provider_order_id,omitempty"`
	PaymentID       string          `json:"payment_id,omitempty"`
	CheckoutURL     string          `json:"checkout_url,omitempty"`
	CheckoutAmount  decimal.Decimal `json:"checkout_amount"`
	CheckoutCount   int             `json:"checkout_count,omitempty"`
	PaidAmount      decimal.Decimal `json:"paid_amount"`
	PaidAt          *time.Time      `json:"paid_at,omitempty"`
	PolicyMode      PolicyMode      `json:"policy_mode,omitempty"`
	PolicyReasons   []string        `json:"policy_reasons,omitempty"`
	Discount        *Discount       `json:"discount,omitempty"`
	RemindersSent   int             `json:"reminders_sent,omitempty"`
	FailedAttempts  int             `json:"failed_attempts,omitempty"`
	LastFailureAt   *time.Time      `json:"last_failure_at,omitempty"`
}

// Prepaid сообщает, поступали ли деньги от клиента до отправки.
func (p Payment) Prepaid() bool {
	return p.PaidAt != nil
}

// Shipment — блок доставки заказа.
type Shipment struct {
	Provider              string          `json:"provider,omitempty"`
	City                  string          `json:"city,omitempty"`
	CityRef               string          `json:"city_ref,omitempty"`
	WarehouseRef          string          `json:"warehouse_ref,omitempty"`
	TTN                   string          `json:"ttn,omitempty"`
	Cost                  decimal.Decimal `json:"cost"`
	TrackingStatus        string          `json:"tracking_status,omitempty"`
	TrackingCode          int             `json:"tracking_code,omitempty"`
	NPLastUpdate          *time.Time      `json:"np_last_update,omitempty"`
	CreatedAt             *time.Time      `json:"created_at,omitempty"`
	EstimatedDeliveryDate string          `json:"estimated_delivery_date,omitempty"`
	PickupPointType       PickupPointType `json:"pickup_point_type,omitempty"`
	ArrivalAt             *time.Time      `json:"arrival_at,omitempty"`
	PickupRemindersSent   []string        `json:"pickup_reminders_sent,omitempty"`
	PickupLastReminderAt  *time.Time      `json:"pickup_last_reminder_at,omitempty"`
}

// HasTTN сообщает, создана ли уже накладная.
func (s Shipment) HasTTN() bool {
	return strings.TrimSpace(s.TTN) != ""
}

// ReminderSent проверяет, отправлялся ли уровень напоминания о самовывозе.
func (s Shipment) ReminderSent(level string) bool {
	for _, sent := range s.PickupRemindersSent {
		if sent == level {
			return true
		}
	}
	return false
}

// StatusHistoryEntry — неизменяемая запись журнала переходов.
type StatusHistoryEntry struct {
	At     time.Time      `json:"at"`
	From   OrderStatus    `json:"from"`
	To     OrderStatus    `json:"to"`
	Reason string         `json:"reason"`
	Actor  string         `json:"actor"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// OrderItem — позиция заказа (каталог вне ядра, храним снимок).
type OrderItem struct {
	SKU   string          `json:"sku"`
	Name  string          `json:"name,omitempty"`
	Qty   int             `json:"qty"`
	Price decimal.Decimal `json:"price"`
}

// Contact — контакт получателя.
type Contact struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone"`
	Email string `json:"email,omitempty"`
}

// Order агрегирует состояние заказа, оплату, доставку и журнал статусов.
type Order struct {
	ID            string               `json:"id"`
	UserID        string               `json:"user_id,omitempty"`
	Status        OrderStatus          `json:"status"`
	Version       int64                `json:"version"`
	Customer      Contact              `json:"customer"`
	Items         []OrderItem          `json:"items,omitempty"`
	Totals        Totals               `json:"totals"`
	Payment       Payment              `json:"payment"`
	Shipment      Shipment             `json:"shipment"`
	StatusHistory []StatusHistoryEntry `json:"status_history"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
	CancelReason  string               `json:"cancel_reason,omitempty"`
	CancelledAt   *time.Time           `json:"cancelled_at,omitempty"`
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if strings.TrimSpace(o.ID) == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	if strings.TrimSpace(o.Customer.Phone) == "" {
		errs = append(errs, ErrPhoneRequired)
	}
	if !o.Status.Valid() {
		errs = append(errs, ErrUnknownStatus)
	}
	if o.Totals.Grand.IsNegative() || o.Totals.Subtotal.IsNegative() || o.Totals.Shipping.IsNegative() {
		errs = append(errs, ErrAmountNegative)
	}
	for _, item := range o.Items {
		if item.Qty <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.Price.IsNegative() {
			errs = append(errs, ErrItemPriceInvalid)
		}
	}

	return errs
}

// EnteredStatusAt возвращает момент последнего входа в статус; для NEW и
// при пустом журнале — время создания.
func (o *Order) EnteredStatusAt(status OrderStatus) time.Time {
	for i := len(o.StatusHistory) - 1; i >= 0; i-- {
		if o.StatusHistory[i].To == status {
			return o.StatusHistory[i].At
		}
	}
	return o.CreatedAt
}

// Clone возвращает глубокую копию заказа.
func (o Order) Clone() Order {
	dst := o
	dst.Items = append([]OrderItem(nil), o.Items...)
	dst.StatusHistory = make([]StatusHistoryEntry, len(o.StatusHistory))
	for i, entry := range o.StatusHistory {
		dst.StatusHistory[i] = entry
		if entry.Meta != nil {
			meta := make(map[string]any, len(entry.Meta))
			for k, v := range entry.Meta {
				meta[k] = v
			}
			dst.StatusHistory[i].Meta = meta
		}
	}
	dst.Payment.PolicyReasons = append([]string(nil), o.Payment.PolicyReasons...)
	if o.Payment.Discount != nil {
		discount := *o.Payment.Discount
		dst.Payment.Discount = &discount
	}
	if o.Totals.GrandBeforeDiscount != nil {
		before := *o.Totals.GrandBeforeDiscount
		dst.Totals.GrandBeforeDiscount = &before
	}
	dst.Shipment.PickupRemindersSent = append([]string(nil), o.Shipment.PickupRemindersSent...)
	dst.Payment.PaidAt = cloneTime(o.Payment.PaidAt)
	dst.Payment.LastFailureAt = cloneTime(o.Payment.LastFailureAt)
	dst.Shipment.NPLastUpdate = cloneTime(o.Shipment.NPLastUpdate)
	dst.Shipment.CreatedAt = cloneTime(o.Shipment.CreatedAt)
	dst.Shipment.ArrivalAt = cloneTime(o.Shipment.ArrivalAt)
	dst.Shipment.PickupLastReminderAt = cloneTime(o.Shipment.PickupLastReminderAt)
	dst.CancelledAt = cloneTime(o.CancelledAt)
	return dst
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr возвращает указатель на копию t.
func TimePtr(t time.Time) *time.Time {
	return &t
}

// OrderFilter задаёт условия выборки заказов для воркеров и аналитики.
type OrderFilter struct {
	Statuses        []OrderStatus
	CreatedFrom     time.Time
	CreatedTo       time.Time
	HasTTN          *bool
	PaymentProvider bool
	UserID          string
	City            string
	Limit           int
}

// NormalizePhone приводит номер к виду 380XXXXXXXXX.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	switch {
	case len(digits) == 10 && strings.HasPrefix(digits, "0"):
		return "38" + digits
	case len(digits) == 11 && strings.HasPrefix(digits, "80"):
		return "3" + digits
	default:
		return digits
	}
}
