// Package retry computes delivery retry timing and runs the periodic
// sweep that re-attempts due deliveries.
package retry

import "time"

// Schedule defines the retry budget for outbound deliveries.
//
// The delay after the n-th failed attempt grows as 4^(n-1) seconds and
// caps at 64s: 1s, 4s, 16s, 64s, 64s... Early failures retry quickly,
// later ones space out, and the total retry span for one delivery stays
// bounded to a few minutes.
type Schedule struct {
	MaxAttempts int
}

// DefaultSchedule matches the delivery policy: five attempts total.
func DefaultSchedule() Schedule {
	return Schedule{MaxAttempts: 5}
}

// MaxDelay is the backoff ceiling.
const MaxDelay = 64 * time.Second

// Delay returns how long to wait after the given failed attempt
// (1-based) before the next one.
func (s Schedule) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Second
	for i := 1; i < attempt; i++ {
		delay *= 4
		if delay >= MaxDelay {
			return MaxDelay
		}
	}
	return delay
}

// NextAttemptTime returns when the next attempt is due, given the time
// the failure was observed.
func (s Schedule) NextAttemptTime(now time.Time, attempt int) time.Time {
	return now.Add(s.Delay(attempt))
}
