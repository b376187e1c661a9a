package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Backoff selects how the delay grows between attempts.
type Backoff int

const (
	// Exponential waits InitialDelay * Multiplier^(n-1) before attempt n+1.
	Exponential Backoff = iota
	// Linear waits InitialDelay * n before attempt n+1.
	Linear
)

// Config holds retry configuration
type Config struct {
	Enabled      bool          // Enable/disable retry logic
	MaxAttempts  int           // Total number of calls, including the first
	InitialDelay time.Duration // Delay before the second call
	MaxDelay     time.Duration // Upper bound on any single delay (0 = none)
	Multiplier   float64       // Exponential growth factor
	Backoff      Backoff

	// NonRetryable errors stop the loop immediately (matched with errors.Is).
	NonRetryable []error
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Backoff:      Exponential,
	}
}

// LinearConfig retries attempts times waiting step, 2*step, ... in between.
func LinearConfig(attempts int, step time.Duration) Config {
	return Config{
		Enabled:      true,
		MaxAttempts:  attempts,
		InitialDelay: step,
		Backoff:      Linear,
	}
}

// Retry executes fn until it succeeds, attempts are exhausted, a
// non-retryable error is returned or ctx is done.
func Retry(ctx context.Context, cfg Config, fn func() error) error {
	_, err := RetryWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult is Retry for functions that produce a value.
func RetryWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T

	if !cfg.Enabled || cfg.MaxAttempts <= 1 {
		return fn()
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry cancelled: %w", err)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if isNonRetryable(err, cfg.NonRetryable) {
			return zero, err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(Delay(cfg, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return zero, fmt.Errorf("max attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}

// Delay returns the wait after the given (1-based) failed attempt.
func Delay(cfg Config, attempt int) time.Duration {
	var d float64
	switch cfg.Backoff {
	case Linear:
		d = float64(cfg.InitialDelay) * float64(attempt)
	default:
		mult := cfg.Multiplier
		if mult <= 0 {
			mult = 1
		}
		d = float64(cfg.InitialDelay) * math.Pow(mult, float64(attempt-1))
	}
	if cfg.MaxDelay > 0 && d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	return time.Duration(d)
}

func isNonRetryable(err error, list []error) bool {
	for _, target := range list {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
