package worker

import (
	"math"
	"math/rand"
	"time"
)

// backoffWithJitter computes the delay before retry number attempt:
// exponential from base, capped at max, with half-interval jitter so a
// burst of transient failures does not come back as a thundering herd.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
