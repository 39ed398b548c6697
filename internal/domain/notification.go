package domain

import (
	"encoding/json"
	"time"
)

// Channel — канал доставки уведомления клиенту.
type Channel string

const (
	ChannelSMS   Channel = "SMS"
	ChannelEmail Channel = "EMAIL"
)

// DeliveryStatus — статус доставки уведомления или алерта.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "PENDING"
	DeliveryProcessing DeliveryStatus = "PROCESSING"
	DeliverySent       DeliveryStatus = "SENT"
	DeliveryFailed     DeliveryStatus = "FAILED"
)

// Шаблоны клиентских уведомлений.
const (
	TemplateOrderPaid      = "order_paid"
	TemplateOrderShipped   = "order_shipped"
	TemplateOrderDelivered = "order_delivered"
	TemplateReviewNudge    = "review_nudge"
	TemplatePaymentRetry   = "payment_reminder"
	TemplatePickupReminder = "pickup_reminder"
	TemplateRefundApproved = "refund_approved"
	TemplateRefundRejected = "refund_rejected"
)

// Notification — запись outbox клиентских уведомлений. DedupeKey уникален.
type Notification struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id,omitempty"`
	Channel     Channel         `json:"channel"`
	To          string          `json:"to"`
	Template    string          `json:"template"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      DeliveryStatus  `json:"status"`
	Attempts    int             `json:"attempts"`
	DedupeKey   string          `json:"dedupe_key,omitempty"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
	LeasedUntil *time.Time      `json:"leased_until,omitempty"`
	Terminal    bool            `json:"terminal,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	SentAt      *time.Time      `json:"sent_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// AlertType — тип административного алерта.
type AlertType string

const (
	AlertTTNCreated      AlertType = "ТТН_СТВОРЕНО"
	AlertOutboxDead      AlertType = "OUTBOX_EVENT_DEAD"
	AlertReturnDetected  AlertType = "RETURN_DETECTED"
	AlertPickupHighRisk  AlertType = "PICKUP_HIGH_RISK"
	AlertRefundRequested AlertType = "REFUND_REQUESTED"
	AlertGuardIncident   AlertType = "GUARD_INCIDENT"
	AlertTTNFailed       AlertType = "TTN_FAILED"
)

// Critical — алерты, которые проходят даже в тихом режиме.
func (t AlertType) Critical() bool {
	switch t {
	case AlertOutboxDead, AlertGuardIncident, AlertTTNFailed:
		return true
	default:
		return false
	}
}

// AdminAlert — запись очереди алертов для администраторов (Telegram).
type AdminAlert struct {
	ID          string          `json:"id"`
	Type        AlertType       `json:"type"`
	Text        string          `json:"text"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ReplyMarkup json.RawMessage `json:"reply_markup,omitempty"`
	DedupeKey   string          `json:"dedupe_key,omitempty"`
	Status      DeliveryStatus  `json:"status"`
	Attempts    int             `json:"attempts"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
	LeasedUntil *time.Time      `json:"leased_until,omitempty"`
	Terminal    bool            `json:"terminal,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	SentAt      *time.Time      `json:"sent_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// DeliveryFailure — параметры неуспешной попытки доставки.
type DeliveryFailure struct {
	Attempts    int
	NextRetryAt time.Time
	Terminal    bool
	Error       string
}

// NewOrderNotification собирает SMS-уведомление получателю заказа.
func NewOrderNotification(order Order, template, dedupeKey string, data map[string]any) Notification {
	payload := map[string]any{"order_id": order.ID}
	for k, v := range data {
		payload[k] = v
	}
	raw, _ := json.Marshal(payload)
	return Notification{
		OrderID:   order.ID,
		Channel:   ChannelSMS,
		To:        order.Customer.Phone,
		Template:  template,
		Payload:   raw,
		DedupeKey: dedupeKey,
	}
}

// RetryBackoff возвращает min(base·2^attempts, limit).
func RetryBackoff(base, limit time.Duration, attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	delay := base
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}
