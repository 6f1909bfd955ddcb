package feed

import (
	"math/rand"
	"time"
)

// Backoff returns the reconnect delay for the given attempt number:
// min(max, base*2^attempt) plus random jitter of up to one base interval.
// Jitter keeps a fleet of clients from retrying in lockstep after a shared
// upstream outage.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}

	return delay + time.Duration(rand.Int63n(int64(base)))
}
