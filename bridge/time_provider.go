package bridge

import "time"

// TimeProvider abstracts time so idle-reaping and staleness tests can run
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
