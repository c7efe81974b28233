// A thin wrapper over the system clock. FakeClock implements it for tests.
package clock

import "time"

// Clock drives session rotation, verification timeouts and message timestamps.
type Clock interface {
	CurrentTimeMs() uint64
	Now() time.Time
}

type systemClock struct{}

func NewSystemClock() Clock {
	return &systemClock{}
}

func (sc *systemClock) CurrentTimeMs() uint64 {
	return uint64(time.Now().UnixMilli())
}

func (sc *systemClock) Now() time.Time {
	return time.Now()
}

// Expired reports whether more than ttl has passed since start.
func Expired(c Clock, start time.Time, ttl time.Duration) bool {
	return c.Now().Sub(start) > ttl
}
