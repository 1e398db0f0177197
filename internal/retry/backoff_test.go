package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(maxRetries int) Config {
	return Config{
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2.0,
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 4, cfg.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.BaseDelay)
	assert.Equal(t, 15*time.Second, cfg.MaxDelay)
	assert.True(t, cfg.Jitter)
}

func TestDo_FirstAttempt(t *testing.T) {
	result := Do(context.Background(), fastConfig(2), zerolog.Nop(), func(int) error { return nil })

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	assert.NoError(t, result.LastError)
	assert.Empty(t, result.Reasons)
}

func TestDo_EventualSuccess(t *testing.T) {
	var seen []int
	result := Do(context.Background(), fastConfig(3), zerolog.Nop(), func(attempt int) error {
		seen = append(seen, attempt)
		if attempt < 3 {
			return errors.New("temporary failure")
		}
		return nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, []int{1, 2, 3}, seen)
	assert.Len(t, result.Reasons, 2)
}

func TestDo_BudgetExhausted(t *testing.T) {
	boom := errors.New("gateway 503")
	result := Do(context.Background(), fastConfig(2), zerolog.Nop(), func(int) error { return boom })

	assert.False(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, boom, result.LastError)
	assert.Len(t, result.Reasons, 3)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	rejected := errors.New("calendar rejected payload")
	calls := 0
	result := Do(context.Background(), fastConfig(5), zerolog.Nop(), func(int) error {
		calls++
		return Permanent(rejected)
	})

	assert.False(t, result.Success)
	assert.Equal(t, 1, calls)
	assert.Equal(t, rejected, result.LastError)
	assert.True(t, IsPermanent(Permanent(rejected)))
	assert.False(t, IsPermanent(rejected))
	assert.Nil(t, Permanent(nil))
}

func TestDo_ContextCancellation(t *testing.T) {
	cfg := Config{MaxRetries: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result := Do(ctx, cfg, zerolog.Nop(), func(int) error { return errors.New("always fails") })

	require.False(t, result.Success)
	assert.ErrorIs(t, result.LastError, context.DeadlineExceeded)
	assert.LessOrEqual(t, result.Attempts, 2)
}

func TestCalculateDelay(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2.0}

	assert.Equal(t, time.Second, calculateDelay(cfg, 0))
	assert.Equal(t, 2*time.Second, calculateDelay(cfg, 1))
	assert.Equal(t, 4*time.Second, calculateDelay(cfg, 2))
	assert.Equal(t, 10*time.Second, calculateDelay(cfg, 10))
}

func TestCalculateDelay_JitterStaysWithinTenPercent(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2.0, Jitter: true}
	for i := 0; i < 20; i++ {
		d := calculateDelay(cfg, 1)
		assert.InDelta(t, float64(2*time.Second), float64(d), float64(200*time.Millisecond))
	}
}

func TestIsRetryableError(t *testing.T) {
	for _, err := range []error{
		errors.New("dial tcp: connection refused"),
		errors.New("HTTP 503 Service Unavailable"),
		errors.New("unexpected EOF"),
		context.DeadlineExceeded,
	} {
		assert.True(t, IsRetryableError(err), err.Error())
	}
	for _, err := range []error{
		errors.New("HTTP 400 Bad Request"),
		errors.New("permission denied"),
		nil,
	} {
		assert.False(t, IsRetryableError(err))
	}
}
