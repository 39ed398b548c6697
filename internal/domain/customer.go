package domain

import "time"

// Окна CRM-счётчиков.
const (
	CODRefusalWindow = 30 * 24 * time.Hour
	ReturnsWindow    = 60 * 24 * time.Hour
)

// Customer — CRM-профиль покупателя, ключ — нормализованный телефон.
type Customer struct {
	Phone          string      `json:"phone"`
	UserID         string      `json:"user_id,omitempty"`
	Blocked        bool        `json:"blocked"`
	PickupOptOut   bool        `json:"pickup_opt_out"`
	CODRefusals    []time.Time `json:"cod_refusals,omitempty"`
	Returns        []time.Time `json:"returns,omitempty"`
	FirstOrderAt   *time.Time  `json:"first_order_at,omitempty"`
	OrdersCount    int         `json:"orders_count"`
	DeliveredCount int         `json:"delivered_count"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// CODRefusals30d — число отказов от наложенного платежа за 30 дней.
func (c Customer) CODRefusals30d(now time.Time) int {
	return countSince(c.CODRefusals, now.Add(-CODRefusalWindow))
}

// Returns60d — число возвратов за 60 дней.
func (c Customer) Returns60d(now time.Time) int {
	return countSince(c.Returns, now.Add(-ReturnsWindow))
}

// Prune удаляет отметки вне окон; возвращает true, если профиль изменился.
func (c *Customer) Prune(now time.Time) bool {
	refusals := keepSince(c.CODRefusals, now.Add(-CODRefusalWindow))
	returns := keepSince(c.Returns, now.Add(-ReturnsWindow))
	changed := len(refusals) != len(c.CODRefusals) || len(returns) != len(c.Returns)
	c.CODRefusals = refusals
	c.Returns = returns
	return changed
}

func countSince(stamps []time.Time, since time.Time) int {
	n := 0
	for _, ts := range stamps {
		if !ts.Before(since) {
			n++
		}
	}
	return n
}

func keepSince(stamps []time.Time, since time.Time) []time.Time {
	var kept []time.Time
	for _, ts := range stamps {
		if !ts.Before(since) {
			kept = append(kept, ts)
		}
	}
	return kept
}
