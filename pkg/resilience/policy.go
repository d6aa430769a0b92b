// Package resilience guards calls to external dependencies with retries,
// exponential backoff and per-dependency circuit breakers.
package resilience

import (
	"math"
	"time"
)

// RetryPolicy controls how many times and how far apart a failing call is
// retried.
type RetryPolicy struct {
	MaxAttempts    int           `validate:"min=1"`
	InitialDelay   time.Duration `validate:"min=0"`
	MaxDelay       time.Duration `validate:"min=0"`
	BackoffFactor  float64       `validate:"min=1"`
	AttemptTimeout time.Duration `validate:"min=0"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		BackoffFactor:  2,
		AttemptTimeout: 10 * time.Second,
	}
}

// Delay returns the wait before retry n (1 for the first retry).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}

	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}

	d := float64(p.InitialDelay) * math.Pow(factor, float64(n-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}

	return time.Duration(d)
}

// Classifier reports whether a failure is worth retrying.
type Classifier func(err error) bool

// RetryAll treats every failure as retryable.
func RetryAll(error) bool {
	return true
}
