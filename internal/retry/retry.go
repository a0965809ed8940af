// Package retry provides exponential backoff retry logic for external calls.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	perrors "github.com/p-blackswan/valhalla/internal/errors"
)

// ErrNoAttempts is returned when the attempt budget is zero.
var ErrNoAttempts = errors.New("maximum retries exceeded")

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration // zero means uncapped
	Jitter      bool

	// RetryIf decides whether a failed attempt is retried. Nil means perrors.IsRetryable.
	RetryIf func(error) bool
	// Sleep waits between attempts. Nil means a context-aware timer.
	Sleep SleepFunc
	// OnRetry is called before each wait with the zero-based index of the failed attempt.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultConfig returns sensible retry defaults for transient API errors.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      true,
	}
}

// ModelConfig is the schedule used for model calls: every failure is retried,
// waiting 1s, 2s, 4s, ... between attempts, with no jitter and no cap.
func ModelConfig(attempts int) Config {
	return Config{
		MaxAttempts: attempts,
		BaseDelay:   time.Second,
		RetryIf:     RetryAll,
	}
}

// RetryAll treats every error as retryable.
func RetryAll(error) bool { return true }

// Delay returns the wait after the given zero-based failed attempt, before jitter.
func (c Config) Delay(attempt int) time.Duration {
	delay := time.Duration(float64(c.BaseDelay) * math.Pow(2, float64(attempt)))
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

// Do executes fn with exponential backoff and returns the number of attempts made.
// When every attempt fails the returned error is a *perrors.CallError wrapping the last failure.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context, attempt int) error) (int, error) {
	if cfg.MaxAttempts < 1 {
		return 0, &perrors.CallError{Attempts: 0, Err: ErrNoAttempts}
	}
	retryIf := cfg.RetryIf
	if retryIf == nil {
		retryIf = perrors.IsRetryable
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = timerSleep
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt + 1, nil
		}
		if !retryIf(lastErr) || attempt == cfg.MaxAttempts-1 {
			return attempt + 1, &perrors.CallError{Attempts: attempt + 1, Err: lastErr}
		}

		delay := cfg.Delay(attempt)
		if cfg.Jitter {
			delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, delay)
		}
		if err := sleep(ctx, delay); err != nil {
			return attempt + 1, err
		}
	}
	return cfg.MaxAttempts, &perrors.CallError{Attempts: cfg.MaxAttempts, Err: lastErr}
}

func timerSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
