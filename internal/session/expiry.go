package session

import "time"

// IsExpired reports whether initial is at least expiry old at now. A zero
// initial time or a negative expiry is always expired; a zero expiry never is.
func IsExpired(initial time.Time, expiry time.Duration, now time.Time) bool {
	if initial.IsZero() || expiry < 0 {
		return true
	}
	if expiry == 0 {
		return false
	}
	return !initial.Add(expiry).After(now)
}
