package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerType — тип проводки.
type LedgerType string

const (
	LedgerSaleIn        LedgerType = "SALE_IN"
	LedgerCODIn         LedgerType = "COD_IN"
	LedgerRefundOut     LedgerType = "REFUND_OUT"
	LedgerShipCostOut   LedgerType = "SHIP_COST_OUT"
	LedgerPaymentFeeOut LedgerType = "PAYMENT_FEE_OUT"
)

// Direction — направление денежного потока.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// DirectionOf возвращает направление по типу проводки.
func (t LedgerType) DirectionOf() Direction {
	switch t {
	case LedgerSaleIn, LedgerCODIn:
		return DirectionIn
	default:
		return DirectionOut
	}
}

// LedgerEntry — проводка по заказу. DedupeKey уникален.
type LedgerEntry struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	Type      LedgerType      `json:"type"`
	Direction Direction       `json:"direction"`
	Amount    decimal.Decimal `json:"amount"`
	Meta      map[string]any  `json:"meta,omitempty"`
	DedupeKey string          `json:"dedupe_key"`
	CreatedAt time.Time       `json:"created_at"`
}

// RefundStatus — статус заявки на возврат.
type RefundStatus string

const (
	RefundRequested RefundStatus = "REQUESTED"
	RefundApproved  RefundStatus = "APPROVED"
	RefundRejected  RefundStatus = "REJECTED"
)

// Refund — заявка клиента на возврат средств.
type Refund struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"order_id"`
	UserID     string          `json:"user_id,omitempty"`
	Reason     string          `json:"reason"`
	Details    string          `json:"details,omitempty"`
	Status     RefundStatus    `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
	ApprovedBy string          `json:"approved_by,omitempty"`
	RejectedBy string          `json:"rejected_by,omitempty"`
}

// LedgerDedupeKey — одна проводка каждого типа на заказ.
func LedgerDedupeKey(entryType LedgerType, orderID string) string {
	return string(entryType) + ":" + orderID
}
