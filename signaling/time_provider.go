package signaling

import "time"

// TimeProvider abstracts time for deterministic deadline tests.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the real clock.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time {
	return time.Now()
}
