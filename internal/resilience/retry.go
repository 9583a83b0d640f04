package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/memoria/memcore/internal/errs"
)

// Same exponential schedule as ingestion's upload retry (§4.7), reused
// here because §4.13 requires the retry policy to apply backoff "before
// the breaker sees a failure sequence" — the whole bounded retry run
// counts as one outcome for breaker bookkeeping.
const (
	retryBase        = 500 * time.Millisecond
	retryFactor      = 2.0
	retryCap         = 60 * time.Second
	retryMaxAttempts = 5
)

func retryDelay(attempt int) time.Duration {
	d := float64(retryBase) * pow(retryFactor, attempt)
	if d > float64(retryCap) {
		d = float64(retryCap)
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(d * jitter)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// Call runs fn through up to retryMaxAttempts bounded retries on
// RetryableTransport errors, gated by the named breaker both before the
// first attempt and when recording the final outcome. A successful
// attempt at any point records a breaker success; exhausting all
// attempts (or hitting a non-retryable error other than Capacity, which
// breakers never count) records exactly one breaker failure, per §4.13.
func Call(ctx context.Context, reg *Registry, key string, fn func(ctx context.Context) error) error {
	if !reg.Allow(key) {
		return errs.New("resilience.Call", errs.KindCapacity, errs.ErrDegraded)
	}

	var lastErr error
	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			reg.RecordSuccess(key)
			return nil
		}
		if errs.ClassOf(lastErr) != errs.KindRetryableTransport {
			if errs.ClassOf(lastErr) != errs.KindCapacity {
				reg.RecordFailure(key)
			}
			return lastErr
		}
		if attempt == retryMaxAttempts-1 {
			break
		}
		select {
		case <-time.After(retryDelay(attempt)):
		case <-ctx.Done():
			reg.RecordFailure(key)
			return ctx.Err()
		}
	}
	reg.RecordFailure(key)
	return lastErr
}
