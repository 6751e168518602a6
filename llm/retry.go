package llm

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy configures retry behavior with exponential backoff.
type RetryPolicy struct {
	MaxRetries        int     // retry attempts, not counting the initial call
	BaseDelay         float64 // initial delay in seconds
	MaxDelay          float64 // maximum delay between retries, in seconds
	BackoffMultiplier float64 // exponential backoff factor
	Jitter            bool    // apply +/-10% jitter to computed delays
	OnRetry           func(err error, attempt int, delay time.Duration)
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		BaseDelay:         1.0,
		MaxDelay:          60.0,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// Delay calculates the backoff delay for attempt n (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := math.Min(p.BaseDelay*math.Pow(p.BackoffMultiplier, float64(attempt)), p.MaxDelay)
	if p.Jitter {
		delay *= 0.9 + 0.2*rand.Float64() // +/-10%
	}
	return time.Duration(delay * float64(time.Second))
}

// delayFor computes the wait before the next attempt. An explicit
// provider-supplied retry-after wins over exponential backoff and is
// honored exactly (no jitter), capped at MaxDelay.
func (p RetryPolicy) delayFor(err error, attempt int) time.Duration {
	if hint, ok := RetryAfterHint(err); ok {
		maxDelay := time.Duration(p.MaxDelay * float64(time.Second))
		if hint > maxDelay {
			return maxDelay
		}
		return hint
	}
	return p.Delay(attempt)
}

// RetryResult reports the outcome of a retried operation.
type RetryResult[T any] struct {
	Value         T
	Err           error
	Attempts      int // total calls made, including the first
	TotalDuration time.Duration
}

// Success reports whether the operation eventually succeeded.
func (r RetryResult[T]) Success() bool { return r.Err == nil }

// WithRetry executes fn with the configured retry policy. Only retryable
// errors (per IsRetryable) are retried; non-retryable errors and exhausted
// retries surface the last error. The name tags OnRetry callbacks only;
// it has no effect on behavior.
func WithRetry[T any](ctx context.Context, policy RetryPolicy, name string, fn func(ctx context.Context) (T, error)) RetryResult[T] {
	_ = name
	start := time.Now()

	result, err := fn(ctx)
	attempts := 1
	if err == nil {
		return RetryResult[T]{Value: result, Attempts: attempts, TotalDuration: time.Since(start)}
	}

	var zero T
	for attempt := 0; attempt < policy.MaxRetries; attempt++ {
		if !IsRetryable(err) {
			return RetryResult[T]{Value: zero, Err: err, Attempts: attempts, TotalDuration: time.Since(start)}
		}

		delay := policy.delayFor(err, attempt)
		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt+1, delay)
		}

		select {
		case <-ctx.Done():
			abort := &AbortError{BaseError: BaseError{Message: "request cancelled during retry", Cause: ctx.Err()}}
			return RetryResult[T]{Value: zero, Err: abort, Attempts: attempts, TotalDuration: time.Since(start)}
		case <-time.After(delay):
		}

		result, err = fn(ctx)
		attempts++
		if err == nil {
			return RetryResult[T]{Value: result, Attempts: attempts, TotalDuration: time.Since(start)}
		}
	}

	return RetryResult[T]{Value: zero, Err: err, Attempts: attempts, TotalDuration: time.Since(start)}
}
