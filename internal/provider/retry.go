package provider

import (
	"math/rand"
	"time"
)

// CalculateBackoff calculates exponential backoff with jitter. The jitter
// spreads out simultaneous retries from multiple callers.
func CalculateBackoff(baseDelay time.Duration, attempt int, maxDelay time.Duration) time.Duration {
	delay := baseDelay * time.Duration(1<<uint(attempt))
	if delay > maxDelay {
		delay = maxDelay
	}

	// Random value between 0 and 25% of delay
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}
