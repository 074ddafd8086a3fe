package marketsync

import (
	"context"
	"time"

	syncErrors "github.com/quaywork/marketsync/errors"
)

// RetryConfig configures dispatch retry behavior. Only retryable gateway
// errors are retried; validation and resolution failures never are.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration

	// Multiplier is the factor by which the delay grows per retry.
	Multiplier float64
}

// DefaultRetryConfig returns retry settings suited to transient marketplace
// API failures.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
	}
}

type exponentialBackoff struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
}

func (eb *exponentialBackoff) nextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(eb.initialDelay)
	for i := 0; i < attempt; i++ {
		delay *= eb.multiplier
	}

	result := time.Duration(delay)
	if result > eb.maxDelay {
		result = eb.maxDelay
	}
	return result
}

// withRetry runs the operation, retrying retryable errors with exponential
// backoff. A nil config means a single attempt. Context cancellation during a
// backoff wait returns ctx.Err().
func withRetry(ctx context.Context, config *RetryConfig, operation func() error) error {
	if config == nil {
		return operation()
	}

	eb := &exponentialBackoff{
		initialDelay: config.InitialDelay,
		maxDelay:     config.MaxDelay,
		multiplier:   config.Multiplier,
	}

	err := operation()
	if err == nil {
		return nil
	}
	if !syncErrors.IsRetryable(err) {
		return err
	}

	// Attempt 0 already ran; each retry waits first.
	for attempt := 1; attempt < config.MaxAttempts; attempt++ {
		delay := eb.nextDelay(attempt - 1)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		err = operation()
		if err == nil {
			return nil
		}
		if !syncErrors.IsRetryable(err) {
			return err
		}
	}

	return err
}
