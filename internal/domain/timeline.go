package domain

import (
	"sort"
	"time"
)

// Виды записей ленты заказа.
const (
	TimelineStatus       = "status"
	TimelineEvent        = "event"
	TimelineNotification = "notification"
	TimelineLedger       = "ledger"
	TimelineRefund       = "refund"
)

// TimelineEntry — элемент объединённой ленты событий заказа.
type TimelineEntry struct {
	At      time.Time      `json:"at"`
	Kind    string         `json:"kind"`
	Type    string         `json:"type"`
	Summary string         `json:"summary,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// SortTimeline упорядочивает ленту по времени; при равенстве сохраняет порядок вставки.
func SortTimeline(entries []TimelineEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].At.Before(entries[j].At)
	})
}
