package ratelimit

import "time"

// Clock abstracts time.Now so limiters and liveness checks are
// deterministic under test.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock backed by time.Now.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
