package embedder

import (
	"context"
	"errors"
	"time"

	"github.com/dshills/kbsearch-mcp/pkg/types"
)

// BackoffStrategy selects how the delay grows between attempts
type BackoffStrategy int

const (
	// BackoffLinear waits BaseDelay × attempt
	BackoffLinear BackoffStrategy = iota
	// BackoffExponential waits BaseDelay × Multiplier^(attempt-1)
	BackoffExponential
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts int           // Total attempts, including the first
	BaseDelay   time.Duration // Delay unit between attempts
	MaxDelay    time.Duration // Upper bound on a single delay (0 = unbounded)
	Strategy    BackoffStrategy
	Multiplier  float64 // Exponential strategy only

	// OnRetry is called before sleeping ahead of the next attempt
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns the embedding retry policy: 3 attempts, 0.5s × attempt
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: MaxAttempts,
		BaseDelay:   DefaultBackoff,
		MaxDelay:    MaxBackoff,
		Strategy:    BackoffLinear,
		Multiplier:  2.0,
	}
}

// delay returns the wait after the given (1-based) failed attempt
func (c RetryConfig) delay(attempt int) time.Duration {
	var d time.Duration
	switch c.Strategy {
	case BackoffExponential:
		d = c.BaseDelay
		for i := 1; i < attempt; i++ {
			d = time.Duration(float64(d) * c.Multiplier)
		}
	default:
		d = c.BaseDelay * time.Duration(attempt)
	}
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// permanentError stops the retry loop
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// isPermanent reports whether err must not be retried: invalid input and
// client errors other than 429 never succeed on repetition.
func isPermanent(err error) bool {
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	if errors.Is(err, types.ErrInvalidInput) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return !apiErr.Temporary()
	}
	return false
}

// retryWithBackoff executes fn until it succeeds, returns a permanent error, or
// MaxAttempts is reached. The attempt number passed to fn is 1-based.
// Retry is skipped on context cancellation; the returned error is then ctx.Err().
func retryWithBackoff[T any](ctx context.Context, config RetryConfig, fn func(attempt int) (T, error)) (T, error) {
	var lastErr error
	var zero T

	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := fn(attempt)
		if err == nil {
			return result, nil
		}

		lastErr = err

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if isPermanent(err) {
			return zero, err
		}

		if attempt < attempts {
			wait := config.delay(attempt)
			if config.OnRetry != nil {
				config.OnRetry(attempt, err, wait)
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}

	return zero, lastErr
}
