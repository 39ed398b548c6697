package payment

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// MockProvider — конфигурируемая заглушка платёжного провайдера для тестов и
// локального запуска без ключей Fondy.
type MockProvider struct {
	mu sync.Mutex

	ProviderName string
	CheckoutErr  error
	StatusErr    error
	ReverseErr   error
	// Statuses — ответы FetchStatus по provider_order_id.
	Statuses map[string]domain.ProviderPaymentStatus

	CheckoutCalls []domain.CheckoutRequest
	StatusCalls   int
	ReverseCalls  []string
}

// NewMockProvider возвращает mock с успешным сценарием по умолчанию.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		ProviderName: "mock",
		Statuses:     make(map[string]domain.ProviderPaymentStatus),
	}
}

// Name возвращает имя провайдера.
func (m *MockProvider) Name() string {
	return m.ProviderName
}

// CreateCheckout возвращает детерминированный URL и считает вызовы.
func (m *MockProvider) CreateCheckout(_ context.Context, req domain.CheckoutRequest) (domain.CheckoutSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CheckoutCalls = append(m.CheckoutCalls, req)
	if m.CheckoutErr != nil {
		return domain.CheckoutSession{}, m.CheckoutErr
	}
	return domain.CheckoutSession{
		Provider:    m.ProviderName,
		CheckoutURL: "https://pay.local/checkout/" + req.ProviderOrderID,
		PaymentID:   "pay-" + req.ProviderOrderID,
		Payload:     map[string]any{"order_id": req.ProviderOrderID, "amount": req.Amount.StringFixed(2)},
	}, nil
}

// FetchStatus возвращает настроенный статус; неизвестный заказ — без действия.
func (m *MockProvider) FetchStatus(_ context.Context, providerOrderID string) (domain.ProviderPaymentStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.StatusCalls++
	if m.StatusErr != nil {
		return domain.ProviderPaymentStatus{}, m.StatusErr
	}
	status, ok := m.Statuses[providerOrderID]
	if !ok {
		return domain.ProviderPaymentStatus{ProviderOrderID: providerOrderID, Status: "created"}, nil
	}
	return status, nil
}

// Reverse считает вызовы возврата.
func (m *MockProvider) Reverse(_ context.Context, providerOrderID string, _ decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ReverseCalls = append(m.ReverseCalls, providerOrderID)
	return m.ReverseErr
}

// SetStatus задаёт ответ FetchStatus.
func (m *MockProvider) SetStatus(status domain.ProviderPaymentStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Statuses[status.ProviderOrderID] = status
}

// Calls возвращает счётчики вызовов.
func (m *MockProvider) Calls() (checkout, status, reverse int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.CheckoutCalls), m.StatusCalls, len(m.ReverseCalls)
}

var _ domain.PaymentProvider = (*MockProvider)(nil)
