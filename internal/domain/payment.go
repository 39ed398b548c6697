package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentAction — внутреннее действие, в которое отображается статус провайдера.
type PaymentAction string

const (
	PaymentActionNone         PaymentAction = ""
	PaymentActionMarkPaid     PaymentAction = "mark_paid"
	PaymentActionMarkFailed   PaymentAction = "mark_failed"
	PaymentActionMarkRefunded PaymentAction = "mark_refunded"
)

// Источники платёжных событий.
const (
	PaymentSourceWebhook        = "webhook"
	PaymentSourceReconciliation = "reconciliation"
)

// PaymentNotification — нормализованное уведомление провайдера (webhook или pull).
type PaymentNotification struct {
	Provider       string
	EventID        string
	OrderID        string
	PaymentID      string
	ProviderStatus string
	Action         PaymentAction
	Amount         decimal.Decimal
	Signature      string
	Version        string
	Source         string
	Payload        json.RawMessage
}

// PaymentEvent — потреблённое событие провайдера. Уникально по
// (provider, provider_event_id) и, если задан, по signature_hash.
type PaymentEvent struct {
	ID              string          `json:"id"`
	Provider        string          `json:"provider"`
	ProviderEventID string          `json:"provider_event_id"`
	SignatureHash   string          `json:"signature_hash,omitempty"`
	EventKey        string          `json:"event_key"`
	OrderID         string          `json:"order_id"`
	Status          string          `json:"status"`
	Source          string          `json:"source"`
	Payload         json.RawMessage `json:"payload"`
	CreatedAt       time.Time       `json:"created_at"`
}

// WebhookRejection фиксирует отклонённый webhook (для метрики success rate).
type WebhookRejection struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	Reason    string    `json:"reason"`
	OrderID   string    `json:"order_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CheckoutRequest — запрос на создание платёжной сессии.
type CheckoutRequest struct {
	OrderID         string
	ProviderOrderID string
	Amount          decimal.Decimal
	Description     string
	Method          PaymentMethod
}

// CheckoutSession — ответ провайдера с checkout URL.
type CheckoutSession struct {
	Provider    string
	CheckoutURL string
	PaymentID   string
	Payload     map[string]any
}

// ProviderPaymentStatus — результат pull-запроса статуса платежа.
type ProviderPaymentStatus struct {
	ProviderOrderID string
	PaymentID       string
	Status          string
	Action          PaymentAction
	Amount          decimal.Decimal
	Raw             json.RawMessage
}

// ProviderEventID — идентификатор события провайдера: один платёж в одном
// статусе даёт одно событие независимо от канала (webhook или сверка).
func ProviderEventID(paymentID, status string) string {
	return paymentID + ":" + status
}
