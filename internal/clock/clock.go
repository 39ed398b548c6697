package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock отдаёт текущее время в UTC.
type Clock interface {
	Now() time.Time
}

// System — реальные часы.
type System struct{}

// Now возвращает текущее время в UTC.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Manual — управляемые часы для тестов и ручных прогонов.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual создаёт часы, выставленные на start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now возвращает выставленное время.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set переставляет часы.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t.UTC()
}

// Advance сдвигает часы вперёд.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// NewID генерирует UUIDv4.
func NewID() string {
	return uuid.NewString()
}

// Format форматирует время в ISO-8601 UTC.
func Format(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// OrDefault возвращает c или системные часы, если c == nil.
func OrDefault(c Clock) Clock {
	if c == nil {
		return System{}
	}
	return c
}
