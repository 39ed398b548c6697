package pickup

import (
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// LocalOffset — смещение местного времени получателей относительно UTC.
const LocalOffset = 2 * time.Hour

// Risk — риск невыкупа посылки.
type Risk string

const (
	RiskLow  Risk = "LOW"
	RiskMed  Risk = "MED"
	RiskHigh Risk = "HIGH"
)

const day = 24 * time.Hour

// schedule — уровни напоминаний по дню хранения.
var schedule = map[domain.PickupPointType]map[int]string{
	domain.PickupPointBranch: {2: "D2", 5: "D5", 7: "D7"},
	domain.PickupPointLocker: {1: "L1", 3: "L3", 5: "L5"},
}

// FreeDays — бесплатные дни хранения для типа пункта.
func FreeDays(point domain.PickupPointType) int {
	if point == domain.PickupPointLocker {
		return 5
	}
	return 7
}

// State — производное состояние посылки в пункте выдачи.
type State struct {
	TTN          string                 `json:"ttn"`
	PointType    domain.PickupPointType `json:"point_type"`
	ArrivalAt    time.Time              `json:"arrival_at"`
	StorageDay1  time.Time              `json:"storage_day1"`
	DeadlineFree time.Time              `json:"deadline_free"`
	DaysAtPoint  int                    `json:"days_at_point"`
	Risk         Risk                   `json:"risk"`
	Level        string                 `json:"level,omitempty"`
	SentLevels   []string               `json:"sent_levels,omitempty"`
}

// Compute рассчитывает состояние посылки на момент now.
// Дни в пункте считаются по календарным датам местного времени.
func Compute(shipment domain.Shipment, now time.Time) State {
	point := shipment.PickupPointType
	if point == "" {
		point = domain.PickupPointBranch
	}
	arrival := now
	if shipment.ArrivalAt != nil {
		arrival = shipment.ArrivalAt.UTC()
	}

	freeDays := FreeDays(point)
	storageDay1 := truncateDay(arrival).Add(day)
	days := int(truncateDay(now.Add(LocalOffset)).Sub(truncateDay(arrival.Add(LocalOffset))) / day)
	if days < 0 {
		days = 0
	}

	return State{
		TTN:          shipment.TTN,
		PointType:    point,
		ArrivalAt:    arrival,
		StorageDay1:  storageDay1,
		DeadlineFree: storageDay1.Add(time.Duration(freeDays-1) * day),
		DaysAtPoint:  days,
		Risk:         RiskFor(days, freeDays),
		Level:        schedule[point][days],
		SentLevels:   append([]string(nil), shipment.PickupRemindersSent...),
	}
}

// RiskFor — HIGH с free_days, MED с max(1, free_days−2), иначе LOW.
func RiskFor(days, freeDays int) Risk {
	medFrom := freeDays - 2
	if medFrom < 1 {
		medFrom = 1
	}
	switch {
	case days >= freeDays:
		return RiskHigh
	case days >= medFrom:
		return RiskMed
	default:
		return RiskLow
	}
}

// QuietHours — вне окна 09:00–20:00 местного времени.
func QuietHours(now time.Time) bool {
	hour := now.Add(LocalOffset).Hour()
	return hour < 9 || hour >= 20
}

// DedupeKey — ключ напоминания уровня level по накладной.
func DedupeKey(ttn, level string) string {
	return "pickup:" + ttn + ":" + level
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
