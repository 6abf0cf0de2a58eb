package journal

import (
	"context"
	"time"
)

// RetryConfig configures exponential backoff for journal writes
type RetryConfig struct {
	MaxAttempts int           // Total attempts, including the first
	BaseDelay   time.Duration // Delay after the first failure
	MaxDelay    time.Duration // Upper bound for a single delay
	Multiplier  float64       // Growth factor between delays
}

// DefaultRetryConfig rides out short SQLITE_BUSY windows without holding
// a batch for long
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 4,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2,
	}
}

// retryWithBackoff calls fn until it succeeds, the attempts run out or ctx
// is done. It returns the number of attempts made and the last error.
func retryWithBackoff(ctx context.Context, config RetryConfig, fn func() error) (int, error) {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	var lastErr error
	backoff := config.BaseDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		if attempt == config.MaxAttempts {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
		backoff = time.Duration(float64(backoff) * config.Multiplier)
		if backoff > config.MaxDelay {
			backoff = config.MaxDelay
		}
	}

	return config.MaxAttempts, lastErr
}
