package onboarding

import "time"

// TimeProvider abstracts time operations for testing.
type TimeProvider interface {
	Now() time.Time
}

type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now().UTC() }
