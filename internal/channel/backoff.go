package channel

import "time"

// Backoff returns the delay before reconnect attempt n (zero-based):
// base doubled per attempt, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	// Guard the shift; beyond 62 bits the doubling has long since passed
	// any sane cap.
	if attempt > 30 {
		return max
	}
	d := base << uint(attempt)
	if d <= 0 || d > max {
		return max
	}
	return d
}
