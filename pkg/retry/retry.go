// Package retry provides bounded retry strategies for store and bus calls.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Retryer defines the interface for implementing retry strategies
type Retryer interface {
	// NextDelay returns the delay before the next retry attempt
	// attempt is 0-based (0 for first retry, 1 for second, etc.)
	// Returns the delay duration and whether to continue retrying
	NextDelay(attempt int, lastErr error) (time.Duration, bool)
}

// ExponentialBackoffRetryer implements exponential backoff with jitter
type ExponentialBackoffRetryer struct {
	// InitialDelay is the initial retry delay
	InitialDelay time.Duration

	// MaxDelay is the maximum retry delay
	MaxDelay time.Duration

	// Multiplier is the exponential backoff multiplier
	Multiplier float64

	// MaxRetries is the maximum number of retry attempts. Zero disables
	// retries.
	MaxRetries int

	// JitterFactor is the maximum jitter as a fraction of the delay (0.0 to 1.0)
	JitterFactor float64
}

// NewExponentialBackoffRetryer creates a new exponential backoff retryer with defaults
func NewExponentialBackoffRetryer() *ExponentialBackoffRetryer {
	return &ExponentialBackoffRetryer{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   5,
		JitterFactor: 0.3,
	}
}

// NextDelay implements Retryer
func (r *ExponentialBackoffRetryer) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	if attempt >= r.MaxRetries {
		return 0, false
	}

	delay := float64(r.InitialDelay) * math.Pow(r.Multiplier, float64(attempt))
	if delay > float64(r.MaxDelay) {
		delay = float64(r.MaxDelay)
	}

	if r.JitterFactor > 0 {
		//nolint:gosec // math/rand is fine for jitter, not security-critical
		jitter := delay * r.JitterFactor * (2*rand.Float64() - 1)
		delay += jitter
		if delay < 0 {
			delay = float64(r.InitialDelay)
		}
	}

	return time.Duration(delay), true
}

// FixedDelayRetryer implements a simple fixed delay retry retryer
type FixedDelayRetryer struct {
	// Delay is the fixed delay between retries
	Delay time.Duration

	// MaxRetries is the maximum number of retry attempts
	MaxRetries int
}

// NewFixedDelayRetryer creates a new fixed delay retryer
func NewFixedDelayRetryer(delay time.Duration, maxRetries int) *FixedDelayRetryer {
	return &FixedDelayRetryer{
		Delay:      delay,
		MaxRetries: maxRetries,
	}
}

// NextDelay implements Retryer
func (r *FixedDelayRetryer) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	if attempt >= r.MaxRetries {
		return 0, false
	}
	return r.Delay, true
}

// Do calls fn until it succeeds, shouldRetry rejects the error, the retryer
// gives up or ctx is done. It returns the last error from fn, or the context
// error if ctx ended while waiting.
//
// A nil shouldRetry retries every error.
func Do(ctx context.Context, r Retryer, shouldRetry func(error) bool, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		delay, ok := r.NextDelay(attempt, err)
		if !ok {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
