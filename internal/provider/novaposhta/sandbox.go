package novaposhta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// Sandbox — детерминированный перевозчик для локального запуска без NP_API_KEY.
// Номера накладных выдаются последовательно, статусы задаются через SetStatus.
type Sandbox struct {
	mu       sync.Mutex
	seq      int64
	cost     decimal.Decimal
	statuses map[string]domain.TrackingStatus
	created  map[string]string
}

// NewSandbox создаёт sandbox с фиксированной стоимостью доставки.
func NewSandbox(cost decimal.Decimal) *Sandbox {
	return &Sandbox{
		seq:      20450000000000,
		cost:     cost,
		statuses: make(map[string]domain.TrackingStatus),
		created:  make(map[string]string),
	}
}

// Name возвращает имя перевозчика.
func (s *Sandbox) Name() string { return ProviderName }

// CreateTTN выдаёт новый номер; повтор для того же заказа возвращает прежний.
func (s *Sandbox) CreateTTN(_ context.Context, order domain.Order) (domain.TTNResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ttn, ok := s.created[order.ID]
	if !ok {
		s.seq++
		ttn = fmt.Sprintf("%d", s.seq)
		s.created[order.ID] = ttn
		s.statuses[ttn] = domain.TrackingStatus{TTN: ttn, Code: 1, Status: "Відправник самостійно створив цю накладну"}
	}

	point := order.Shipment.PickupPointType
	if point == "" {
		point = domain.PickupPointBranch
	}
	return domain.TTNResult{
		TTN:                   ttn,
		Ref:                   "sandbox-" + ttn,
		Cost:                  s.cost,
		EstimatedDeliveryDate: time.Now().In(kyiv).AddDate(0, 0, 2).Format(npDayLayout),
		PickupPointType:       point,
	}, nil
}

// TrackingStatuses возвращает известные статусы; неизвестные накладные пропускаются.
func (s *Sandbox) TrackingStatuses(_ context.Context, ttns []string) ([]domain.TrackingStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]domain.TrackingStatus, 0, len(ttns))
	for _, ttn := range ttns {
		if status, ok := s.statuses[ttn]; ok {
			result = append(result, status)
		}
	}
	return result, nil
}

// SetStatus задаёт статус накладной.
func (s *Sandbox) SetStatus(status domain.TrackingStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[status.TTN] = status
}

var _ domain.DeliveryProvider = (*Sandbox)(nil)
