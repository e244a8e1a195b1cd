package reconcile

import (
	"math"
	"time"
)

// RetryPolicy decides how long the sync loop waits after consecutive
// failing drains. The queue itself never gives up on a document; the
// policy only spaces attempts out and says when to raise the stuck signal.
type RetryPolicy struct {
	// MaxAttempts is the number of consecutive failing drains after which
	// the loop reports itself stuck. Zero never reports.
	MaxAttempts int

	// BaseDelay is the wait after the first failure
	BaseDelay time.Duration

	// Multiplier scales the wait after each further failure
	Multiplier float64

	// MaxDelay caps the wait
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   30 * time.Second,
		Multiplier:  2.0,
		MaxDelay:    15 * time.Minute,
	}
}

// Delay returns the wait after the n-th consecutive failure. n < 1 means
// no failure and no wait.
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 || p.BaseDelay <= 0 {
		return 0
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(multiplier, float64(n-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Stuck reports whether n consecutive failures should be surfaced
func (p RetryPolicy) Stuck(n int) bool {
	return p.MaxAttempts > 0 && n >= p.MaxAttempts
}
