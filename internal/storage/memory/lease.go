package memory

import "time"

// leaseReady: новая запись, FAILED с наступившим next_retry_at (не терминальная)
// или PROCESSING с истёкшей арендой.
func leaseReady(status string, terminal bool, nextRetryAt, leasedUntil *time.Time, now time.Time) bool {
	switch status {
	case "NEW", "PENDING":
		return nextRetryAt == nil || !nextRetryAt.After(now)
	case "FAILED":
		return !terminal && nextRetryAt != nil && !nextRetryAt.After(now)
	case "PROCESSING":
		return leasedUntil != nil && leasedUntil.Before(now)
	default:
		return false
	}
}

func defaultLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
