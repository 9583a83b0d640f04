package ingestion

import (
	"math/rand"
	"time"
)

// backoffBase, backoffFactor, backoffCap and maxAttempts implement §4.7's
// retry schedule: "base 500ms, factor 2, cap 60s, jitter +-20%, max 5
// attempts then dead-letter."
const (
	backoffBase   = 500 * time.Millisecond
	backoffFactor = 2.0
	backoffCap    = 60 * time.Second
	maxAttempts   = 5
)

// backoffDelay returns the delay before retry attempt n (1-indexed),
// applying +-20% jitter so many workers retrying the same upload don't
// synchronize.
func backoffDelay(attempt int) time.Duration {
	d := float64(backoffBase)
	for i := 1; i < attempt; i++ {
		d *= backoffFactor
	}
	capped := float64(backoffCap)
	if d > capped {
		d = capped
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2) // uniform in [0.8, 1.2]
	return time.Duration(d * jitter)
}
