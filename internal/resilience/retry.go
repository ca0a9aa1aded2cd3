// Package resilience retries transient failures with exponential backoff.
package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
	// Retryable decides whether err is worth another attempt. Nil retries
	// every error.
	Retryable func(error) bool
	OnRetry   func(attempt int, err error)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retry calls fn until it succeeds, returns a non-retryable error, or the
// policy runs out of attempts. The last error is returned unwrapped so
// callers can still match it.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := calculateDelay(policy, attempt)
			if policy.Jitter {
				delay = time.Duration(float64(delay) * (0.8 + 0.4*rand.Float64()))
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, fmt.Errorf("retry cancelled after %d attempts: %w", attempt, lastErr)
			case <-timer.C:
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil || (policy.Retryable != nil && !policy.Retryable(err)) {
			break
		}
		if policy.OnRetry != nil && attempt+1 < attempts {
			policy.OnRetry(attempt+1, err)
		}
	}
	return zero, lastErr
}

func calculateDelay(policy RetryPolicy, attempt int) time.Duration {
	if attempt <= 1 {
		return policy.InitialDelay
	}
	mult := policy.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(policy.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if policy.MaxDelay > 0 && delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}
	return time.Duration(delay)
}
