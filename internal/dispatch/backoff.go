package dispatch

import (
	"math/rand"
	"time"
)

// RetryPolicy bounds how long a transiently failing event keeps being
// retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxElapsed  time.Duration
}

// DefaultRetryPolicy is used when neither the pool nor the source sets one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxElapsed:  time.Hour,
	}
}

// withDefaults fills zero fields from DefaultRetryPolicy.
func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = d.MaxElapsed
	}
	return p
}

// Delay is the wait before the attempt following attempt (1-based):
// min(MaxDelay, BaseDelay*2^(attempt-1)) plus up to 20% jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	base := backoffDelay(p.BaseDelay, p.MaxDelay, attempt)
	return calculateJitteredInterval(base, base/5)
}

func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	d := base << uint(shift)
	if d <= 0 || d > max {
		return max
	}
	return d
}

// calculateJitteredInterval adds a random jitter in [0, jitter) to the base
// interval.
func calculateJitteredInterval(baseInterval time.Duration, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return baseInterval
	}
	return baseInterval + time.Duration(rand.Int63n(jitter.Nanoseconds()))
}
