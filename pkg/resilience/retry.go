package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryConfig defines backoff retry behavior.
type RetryConfig struct {
	MaxRetries    int           // retry attempts after the initial call
	InitialDelay  time.Duration // delay before the first retry
	MaxDelay      time.Duration // cap on the backoff delay
	BackoffFactor float64       // multiplier per attempt
	Jitter        bool          // randomize delays to avoid thundering herd
}

// DefaultRetryConfig provides reasonable defaults.
var DefaultRetryConfig = RetryConfig{ //nolint:gochecknoglobals
	MaxRetries:    3,
	InitialDelay:  100 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// permanentError marks an error as not retryable.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent wraps an error so Retry stops immediately instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Retry runs fn with bounded exponential backoff. It is an opt-in primitive;
// nothing in the engine applies it automatically. Errors wrapped with
// Permanent abort the loop, as does context cancellation between attempts.
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(cfg, attempt)
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, ctx.Err())
			case <-time.After(delay):
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if IsPermanent(err) {
			return fmt.Errorf("permanent failure on attempt %d: %w", attempt+1, err)
		}
	}

	return fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, lastErr)
}

// backoffDelay computes the delay before the given retry attempt.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(attempt-1)))
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter {
		// +/- 10% of the computed delay.
		jitter := time.Duration((rand.Float64()*0.2 - 0.1) * float64(delay)) //nolint:gosec
		delay += jitter
		if delay < 0 {
			delay = cfg.InitialDelay
		}
	}
	return delay
}
