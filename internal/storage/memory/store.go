package memory

import "github.com/vladislavdragonenkov/marketplace/internal/domain"

// NewStore собирает in-memory реализации всех коллекций.
func NewStore() domain.Store {
	return domain.Store{
		Orders:        NewOrderRepository(),
		OrderOps:      NewOrderOpRepository(),
		PaymentEvents: NewPaymentEventRepository(),
		Idempotency:   NewIdempotencyRepository(),
		Events:        NewOutboxRepository(),
		Notifications: NewNotificationRepository(),
		Alerts:        NewAlertRepository(),
		Ledger:        NewLedgerRepository(),
		Refunds:       NewRefundRepository(),
		Incidents:     NewIncidentRepository(),
		Analytics:     NewAnalyticsRepository(),
		Customers:     NewCustomerRepository(),
	}
}
