package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EventType — тип доменного события в outbox.
type EventType string

const (
	EventOrderPaid      EventType = "ORDER_PAID"
	EventTTNCreated     EventType = "TTN_CREATED"
	EventOrderDelivered EventType = "ORDER_DELIVERED"
)

// EventStatus — состояние события в outbox. DONE терминален.
type EventStatus string

const (
	EventStatusNew        EventStatus = "NEW"
	EventStatusProcessing EventStatus = "PROCESSING"
	EventStatusDone       EventStatus = "DONE"
	EventStatusFailed     EventStatus = "FAILED"
)

// DomainEvent — запись outbox. Payload хранится как сырой JSON, типизированное
// представление получают через Decode.
type DomainEvent struct {
	ID          string          `json:"id"`
	Type        EventType       `json:"type"`
	OrderID     string          `json:"order_id"`
	DedupeKey   string          `json:"dedupe_key,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Status      EventStatus     `json:"status"`
	Attempts    int             `json:"attempts"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
	LeasedUntil *time.Time      `json:"leased_until,omitempty"`
	Terminal    bool            `json:"terminal,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Decode возвращает типизированный payload по типу события.
func (e DomainEvent) Decode() (EventPayload, error) {
	return DecodeEventPayload(e.Type, e.Payload)
}

// EventPayload — вариант полезной нагрузки, привязанный к типу события.
type EventPayload interface {
	EventType() EventType
}

// OrderPaidPayload — оплата подтверждена.
type OrderPaidPayload struct {
	OrderID         string          `json:"order_id"`
	Provider        string          `json:"provider"`
	ProviderEventID string          `json:"provider_event_id"`
	Amount          decimal.Decimal `json:"amount"`
	Method          PaymentMethod   `json:"method,omitempty"`
	Source          string          `json:"source"`
}

func (OrderPaidPayload) EventType() EventType { return EventOrderPaid }

// TTNCreatedPayload — накладная создана у перевозчика.
type TTNCreatedPayload struct {
	OrderID               string          `json:"order_id"`
	TTN                   string          `json:"ttn"`
	Cost                  decimal.Decimal `json:"cost"`
	EstimatedDeliveryDate string          `json:"estimated_delivery_date,omitempty"`
}

func (TTNCreatedPayload) EventType() EventType { return EventTTNCreated }

// OrderDeliveredPayload — посылка получена.
type OrderDeliveredPayload struct {
	OrderID      string `json:"order_id"`
	TTN          string `json:"ttn"`
	TrackingCode int    `json:"tracking_code"`
}

func (OrderDeliveredPayload) EventType() EventType { return EventOrderDelivered }

// UnknownPayload сохраняет нераспознанный payload без потерь.
type UnknownPayload struct {
	Type EventType
	Raw  json.RawMessage
}

func (p UnknownPayload) EventType() EventType { return p.Type }

// MarshalJSON отдаёт исходные байты.
func (p UnknownPayload) MarshalJSON() ([]byte, error) {
	if len(p.Raw) == 0 {
		return []byte("null"), nil
	}
	return p.Raw, nil
}

// DecodeEventPayload разбирает сырой JSON в вариант по типу.
func DecodeEventPayload(eventType EventType, raw json.RawMessage) (EventPayload, error) {
	var (
		payload EventPayload
		err     error
	)
	switch eventType {
	case EventOrderPaid:
		var p OrderPaidPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case EventTTNCreated:
		var p TTNCreatedPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case EventOrderDelivered:
		var p OrderDeliveredPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	default:
		return UnknownPayload{Type: eventType, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	return payload, nil
}

// OutboxStats описывает текущее состояние backlog outbox.
type OutboxStats struct {
	PendingCount    int
	FailedCount     int
	TerminalCount   int
	OldestPendingAt time.Time
}

// EventDedupeKey — ключ дедупликации события: одно событие каждого типа на заказ.
func EventDedupeKey(eventType EventType, orderID string) string {
	return strings.ToLower(string(eventType)) + ":" + orderID
}
