package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Коды статусов Новой Почты, на которые опирается ядро.
const (
	NPCodeArrivedBranch   = 7
	NPCodeArrivedLocker   = 8
	NPCodeReceived        = 9
	NPCodeReceivedCashier = 10
	NPCodeRefusalAsIssued = 11
)

// IsDeliveredCode — коды, означающие получение посылки.
func IsDeliveredCode(code int) bool {
	return code == NPCodeReceived || code == NPCodeReceivedCashier || code == NPCodeRefusalAsIssued
}

// IsArrivalCode — посылка прибыла в отделение или почтомат.
func IsArrivalCode(code int) bool {
	return code == NPCodeArrivedBranch || code == NPCodeArrivedLocker
}

// TTNResult — ответ перевозчика на создание накладной.
type TTNResult struct {
	TTN                   string
	Ref                   string
	Cost                  decimal.Decimal
	EstimatedDeliveryDate string
	PickupPointType       PickupPointType
}

// TrackingStatus — статус накладной у перевозчика.
type TrackingStatus struct {
	TTN       string
	Code      int
	Status    string
	ArrivalAt *time.Time
}
