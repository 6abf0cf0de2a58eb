package journal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Multiplier:  2,
	}
}

func TestRetryWithBackoff(t *testing.T) {
	errBusy := errors.New("database is locked")

	tests := []struct {
		name         string
		attempts     int
		failFirst    int
		wantAttempts int
		wantErr      bool
	}{
		{"first try", 3, 0, 1, false},
		{"succeeds after failures", 3, 2, 3, false},
		{"gives up", 3, 5, 3, true},
		{"zero attempts still runs once", 0, 0, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			attempts, err := retryWithBackoff(context.Background(), fastRetry(tt.attempts), func() error {
				calls++
				if calls <= tt.failFirst {
					return errBusy
				}
				return nil
			})
			assert.Equal(t, tt.wantAttempts, attempts)
			assert.Equal(t, tt.wantAttempts, calls)
			if tt.wantErr {
				assert.ErrorIs(t, err, errBusy)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRetryWithBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1}

	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := retryWithBackoff(ctx, cfg, func() error {
			calls++
			return errors.New("busy")
		})
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not stop on cancellation")
	}
	assert.Equal(t, 1, calls)
}
