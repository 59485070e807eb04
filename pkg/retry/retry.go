// Package retry provides exponential backoff for transport-path failures.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/bardlex/ehashpool/pkg/errors"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
}

// DefaultConfig returns a general purpose retry configuration
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// ReconnectConfig returns the backoff used between pool-to-mint reconnect attempts.
// MaxAttempts is zero: reconnection never gives up, callers only use Backoff.
func ReconnectConfig(base, max time.Duration) *Config {
	return &Config{
		MaxAttempts: 0,
		BaseDelay:   base,
		MaxDelay:    max,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// MintAPIConfig returns retry configuration for calls to the mint HTTP API
func MintAPIConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    1 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// KafkaConfig returns retry configuration for Kafka publishing
func KafkaConfig() *Config {
	return &Config{
		MaxAttempts: 5,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  1.5,
		Jitter:      true,
	}
}

// DatabaseConfig returns retry configuration for ledger writes
func DatabaseConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   20 * time.Millisecond,
		MaxDelay:    500 * time.Millisecond,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// RetryableFunc is a function that can be retried
type RetryableFunc func() error

// Do executes fn until it succeeds, returns a non-retryable error, or
// MaxAttempts is reached.
func Do(ctx context.Context, config *Config, fn RetryableFunc) error {
	_, err := DoWithResult(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult executes fn with retry logic and returns its result
func DoWithResult[T any](ctx context.Context, config *Config, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	if config == nil {
		config = DefaultConfig()
	}
	attempts := max(config.MaxAttempts, 1)

	for attempt := 0; attempt < attempts; attempt++ {
		res, err := fn()
		if err == nil {
			return res, nil
		}

		lastErr = err

		if !errors.IsRetryable(err) {
			return zero, err
		}

		if attempt == attempts-1 {
			break
		}

		if err := Sleep(ctx, config.Backoff(attempt)); err != nil {
			return zero, err
		}
	}

	return zero, errors.Wrap(lastErr, errors.ErrorTypeInternal, "retry",
		"operation failed after maximum retry attempts").
		WithContext("max_attempts", attempts)
}

// Backoff returns the delay before the given zero-based retry attempt
func (c *Config) Backoff(attempt int) time.Duration {
	delay := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt))
	delay = min(delay, float64(c.MaxDelay))

	if c.Jitter {
		// up to 10% on top of the computed delay
		delay += delay * 0.1 * rand.Float64()
	}

	return time.Duration(delay)
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
