package ratelimit

import "time"

// Clock is the time source for limiters. Tests substitute a manual clock.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
