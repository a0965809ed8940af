package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/valhalla/internal/errors"
)

// recorder collects requested waits instead of sleeping.
type recorder struct {
	waits []time.Duration
}

func (r *recorder) sleep(_ context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return nil
}

func TestDo_Success(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), DefaultConfig(), func(ctx context.Context, _ int) error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
}

func TestDo_NonRetryableError(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), DefaultConfig(), func(ctx context.Context, _ int) error {
		calls++
		return perrors.ErrAuthFailure
	})
	assert.ErrorIs(t, err, perrors.ErrAuthFailure)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
}

func TestDo_RetryableError_EventualSuccess(t *testing.T) {
	rec := &recorder{}
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Millisecond, Sleep: rec.sleep}
	calls := 0
	attempts, err := Do(context.Background(), cfg, func(ctx context.Context, _ int) error {
		calls++
		if calls < 3 {
			return perrors.ErrTimeout
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, rec.waits)
}

func TestDo_ModelSchedule(t *testing.T) {
	rec := &recorder{}
	cfg := ModelConfig(3)
	cfg.Sleep = rec.sleep

	var seen []int
	attempts, err := Do(context.Background(), cfg, func(ctx context.Context, attempt int) error {
		seen = append(seen, attempt)
		return errors.New("quota exceeded")
	})

	require.Error(t, err)
	var callErr *perrors.CallError
	require.True(t, errors.As(err, &callErr))
	assert.Equal(t, 3, callErr.Attempts)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{0, 1, 2}, seen)
	// No wait after the final attempt.
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.waits)
}

func TestDo_ZeroAttempts(t *testing.T) {
	calls := 0
	attempts, err := Do(context.Background(), ModelConfig(0), func(ctx context.Context, _ int) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, ErrNoAttempts)
	assert.Equal(t, 0, attempts)
	assert.Equal(t, 0, calls)
}

func TestDo_OnRetry(t *testing.T) {
	rec := &recorder{}
	cfg := ModelConfig(4)
	cfg.Sleep = rec.sleep
	var hooked []int
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		hooked = append(hooked, attempt)
		assert.Equal(t, cfg.Delay(attempt), wait)
	}

	_, err := Do(context.Background(), cfg, func(ctx context.Context, _ int) error {
		return errors.New("fail")
	})
	assert.Error(t, err)
	assert.Equal(t, []int{0, 1, 2}, hooked)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, rec.waits)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
	attempts, err := Do(ctx, cfg, func(ctx context.Context, _ int) error {
		calls++
		return perrors.ErrTimeout
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, attempts)
}

func TestDelay_Capped(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 3 * time.Second}
	assert.Equal(t, time.Second, cfg.Delay(0))
	assert.Equal(t, 2*time.Second, cfg.Delay(1))
	assert.Equal(t, 3*time.Second, cfg.Delay(2))
}

func TestDo_GenericNonRetryable(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), DefaultConfig(), func(ctx context.Context, _ int) error {
		calls++
		return errors.New("generic error")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
