// Package clock abstracts wall-clock reads so rollover expiry and cache
// timestamps are testable.
package clock

import "time"

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
