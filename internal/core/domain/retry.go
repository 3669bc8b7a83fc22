package domain

import "time"

// Backoff returns base * 2^attempt, capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 30 {
		return max
	}
	d := base * time.Duration(1<<attempt)
	if d > max || d <= 0 {
		return max
	}
	return d
}

// RetryPolicy bounds per-stage retries of the pipeline.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts of a stage, first one included.
	MaxAttempts int
	// MaxInvalidResponses is how many InvalidResponse failures a stage tolerates
	// before it escalates to a permanent failure.
	MaxInvalidResponses int
	BaseDelay           time.Duration
	MaxDelay            time.Duration
}

// DefaultRetryPolicy returns the production policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         5,
		MaxInvalidResponses: 3,
		BaseDelay:           2 * time.Second,
		MaxDelay:            5 * time.Minute,
	}
}

// Delay returns the backoff before attempt number `attempt` (1-based failures so far).
func (p RetryPolicy) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	return Backoff(failures-1, p.BaseDelay, p.MaxDelay)
}
