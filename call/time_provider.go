package call

import "time"

// TimeProvider abstracts time so deadline and sweep behavior can be tested
// against a mock clock.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the real clock.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time {
	return time.Now()
}
