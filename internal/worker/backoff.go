package worker

import (
	"math/rand"
	"time"
)

// backoff computes the delay before retry number n (1-based), exponential
// with a jittered ceiling, matching spec.md §4.4's "retry-count -> delay,
// monotonically non-decreasing; jittered; bounded" contract.
func backoff(n int, base, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d/2 + jitter
}
