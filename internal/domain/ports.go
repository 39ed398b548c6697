package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderMutation изменяет копию заказа внутри атомарного обновления.
// Ошибка из мутации прерывает обновление и возвращается вызывающему.
type OrderMutation func(order *Order) error

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ; ErrDuplicateKey, если ID занят.
	Create(ctx context.Context, order Order) error
	// Get возвращает заказ или ErrOrderNotFound.
	Get(ctx context.Context, id string) (Order, error)
	// CompareAndSwapStatus атомарно применяет mutate к документу {id, status=from},
	// увеличивая version. ErrStatusConflict, если статус уже другой.
	CompareAndSwapStatus(ctx context.Context, id string, from OrderStatus, mutate OrderMutation) (Order, error)
	// Update применяет mutate без условия на статус (статус сохраняется), увеличивая version.
	Update(ctx context.Context, id string, mutate OrderMutation) (Order, error)
	// List возвращает заказы по фильтру, упорядоченные по created_at.
	List(ctx context.Context, filter OrderFilter) ([]Order, error)
}

// OrderOpRepository хранит операционные блокировки (order_id, op).
type OrderOpRepository interface {
	// Acquire вставляет блокировку; true — захвачена. Протухшая (старше staleAfter)
	// блокировка перехватывается.
	Acquire(ctx context.Context, orderID, op string, now time.Time, staleAfter time.Duration) (bool, error)
	// Release снимает блокировку после неуспешной операции.
	Release(ctx context.Context, orderID, op string) error
}

// PaymentEventRepository — журнал потреблённых платёжных событий.
type PaymentEventRepository interface {
	// Insert возвращает ErrDuplicateEvent при повторе (provider, provider_event_id) или signature_hash.
	Insert(ctx context.Context, event PaymentEvent) error
	List(ctx context.Context, since time.Time) ([]PaymentEvent, error)
	RecordRejection(ctx context.Context, rejection WebhookRejection) error
	ListRejections(ctx context.Context, since time.Time) ([]WebhookRejection, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, keyHash, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, keyHash string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, keyHash string, responseBody []byte, httpStatus int) error
	MarkFailed(ctx context.Context, keyHash string, responseBody []byte, httpStatus int) error
	Delete(ctx context.Context, keyHash string) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// DomainEventRepository — durable outbox доменных событий.
type DomainEventRepository interface {
	// Enqueue сохраняет событие; при повторе DedupeKey возвращает существующее и false.
	Enqueue(ctx context.Context, event DomainEvent) (DomainEvent, bool, error)
	// Lease переводит до limit готовых событий в PROCESSING и возвращает их по created_at.
	Lease(ctx context.Context, now time.Time, leaseFor time.Duration, limit int) ([]DomainEvent, error)
	MarkDone(ctx context.Context, id string, now time.Time) error
	MarkFailed(ctx context.Context, id string, failure DeliveryFailure, now time.Time) error
	ListByOrder(ctx context.Context, orderID string) ([]DomainEvent, error)
	Stats(ctx context.Context) (OutboxStats, error)
}

// NotificationRepository — outbox клиентских уведомлений.
type NotificationRepository interface {
	// Enqueue возвращает false, если DedupeKey уже существует.
	Enqueue(ctx context.Context, n Notification) (Notification, bool, error)
	Lease(ctx context.Context, now time.Time, leaseFor time.Duration, limit int) ([]Notification, error)
	MarkSent(ctx context.Context, id string, now time.Time) error
	MarkFailed(ctx context.Context, id string, failure DeliveryFailure, now time.Time) error
	ListByOrder(ctx context.Context, orderID string) ([]Notification, error)
}

// AlertRepository — очередь административных алертов.
type AlertRepository interface {
	// Enqueue возвращает false, если DedupeKey уже существует.
	Enqueue(ctx context.Context, alert AdminAlert) (AdminAlert, bool, error)
	Lease(ctx context.Context, now time.Time, leaseFor time.Duration, limit int) ([]AdminAlert, error)
	MarkSent(ctx context.Context, id string, now time.Time) error
	MarkFailed(ctx context.Context, id string, failure DeliveryFailure, now time.Time) error
	// Defer возвращает алерт в PENDING без увеличения attempts.
	Defer(ctx context.Context, id string, until time.Time, now time.Time) error
}

// LedgerRepository — журнал проводок.
type LedgerRepository interface {
	// Append возвращает false, если проводка с таким DedupeKey уже есть.
	Append(ctx context.Context, entry LedgerEntry) (bool, error)
	ListByOrder(ctx context.Context, orderID string) ([]LedgerEntry, error)
	List(ctx context.Context, from, to time.Time) ([]LedgerEntry, error)
}

// RefundRepository хранит заявки на возврат.
type RefundRepository interface {
	// Create возвращает ErrDuplicateKey, если у заказа уже есть открытая заявка.
	Create(ctx context.Context, refund Refund) error
	// GetOpen возвращает заявку в статусе REQUESTED или ErrNotFound.
	GetOpen(ctx context.Context, orderID string) (Refund, error)
	ListByOrder(ctx context.Context, orderID string) ([]Refund, error)
	// Resolve переводит REQUESTED → status; ErrStatusConflict, если уже решена.
	Resolve(ctx context.Context, id string, status RefundStatus, by string, at time.Time) (Refund, error)
}

// IncidentRepository хранит guard-инциденты.
type IncidentRepository interface {
	// Upsert открывает инцидент или обновляет payload существующего; true — создан (или переоткрыт).
	Upsert(ctx context.Context, incident GuardIncident, now time.Time) (GuardIncident, bool, error)
	Get(ctx context.Context, key string) (GuardIncident, error)
	List(ctx context.Context, statuses []IncidentStatus) ([]GuardIncident, error)
	Mute(ctx context.Context, key string, until time.Time, now time.Time) (GuardIncident, error)
	Resolve(ctx context.Context, key string, now time.Time) (GuardIncident, error)
}

// AnalyticsRepository хранит дневные снимки и когорты.
type AnalyticsRepository interface {
	UpsertDaily(ctx context.Context, day AnalyticsDaily) error
	ListDaily(ctx context.Context, from, to string) ([]AnalyticsDaily, error)
	UpsertCohort(ctx context.Context, cohort AnalyticsCohort) error
	ListCohorts(ctx context.Context) ([]AnalyticsCohort, error)
}

// CustomerRepository — CRM-профили.
type CustomerRepository interface {
	// Get возвращает профиль по телефону или ErrNotFound.
	Get(ctx context.Context, phone string) (Customer, error)
	// Upsert создаёт профиль при отсутствии и применяет mutate атомарно.
	Upsert(ctx context.Context, phone string, mutate func(c *Customer)) (Customer, error)
	List(ctx context.Context, limit int) ([]Customer, error)
}

// Store объединяет коллекции, с которыми работают компоненты.
type Store struct {
	Orders        OrderRepository
	OrderOps      OrderOpRepository
	PaymentEvents PaymentEventRepository
	Idempotency   IdempotencyRepository
	Events        DomainEventRepository
	Notifications NotificationRepository
	Alerts        AlertRepository
	Ledger        LedgerRepository
	Refunds       RefundRepository
	Incidents     IncidentRepository
	Analytics     AnalyticsRepository
	Customers     CustomerRepository
}

// TransitionRequest — параметры атомарного перехода.
type TransitionRequest struct {
	OrderID string
	From    OrderStatus
	To      OrderStatus
	Reason  string
	Actor   string
	Meta    map[string]any
	// Mutate дополнительно меняет документ в том же CAS (cancel_reason, paid_at …).
	Mutate OrderMutation
}

// StateMachine выполняет разрешённые переходы заказа.
type StateMachine interface {
	Transition(ctx context.Context, req TransitionRequest) (Order, error)
}

// Outbox публикует доменные события для последующей обработки.
type Outbox interface {
	Emit(ctx context.Context, orderID, dedupeKey string, payload EventPayload) (DomainEvent, error)
}

// NotificationSink ставит клиентские уведомления в очередь с дедупликацией.
type NotificationSink interface {
	Enqueue(ctx context.Context, n Notification) (bool, error)
}

// AlertSink ставит административные алерты в очередь с дедупликацией.
type AlertSink interface {
	Raise(ctx context.Context, alert AdminAlert) (bool, error)
}

// PaymentProvider — клиент платёжного провайдера.
type PaymentProvider interface {
	Name() string
	CreateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
	FetchStatus(ctx context.Context, providerOrderID string) (ProviderPaymentStatus, error)
	Reverse(ctx context.Context, providerOrderID string, amount decimal.Decimal) error
}

// DeliveryProvider — клиент перевозчика.
type DeliveryProvider interface {
	Name() string
	CreateTTN(ctx context.Context, order Order) (TTNResult, error)
	TrackingStatuses(ctx context.Context, ttns []string) ([]TrackingStatus, error)
}

// NotificationSender доставляет уведомление в канал (SMS/EMAIL шлюз).
type NotificationSender interface {
	Send(ctx context.Context, n Notification) error
}

// AlertSender доставляет алерт администраторам.
type AlertSender interface {
	SendAlert(ctx context.Context, alert AdminAlert) error
}

// EventPublisher зеркалирует обработанные события во внешнюю шину.
type EventPublisher interface {
	Publish(ctx context.Context, event DomainEvent) error
}
