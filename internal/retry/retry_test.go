package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Do(context.Background(), DefaultConfig(), func() error {
		calls++
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		JitterFactor:   0.1,
	}

	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		JitterFactor:   0.1,
	}

	permanent := errors.New("still failing")
	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		return permanent
	}, nil)

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 3, calls)
}

func TestDo_ShouldRetryStopsEarly(t *testing.T) {
	t.Parallel()

	fatal := errors.New("fatal")
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func() error {
		calls++
		return fatal
	}, &Options{
		ShouldRetry: func(err error) bool { return !errors.Is(err, fatal) },
	})

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDo_OnRetryCallback(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		JitterFactor:   0.1,
	}

	var attempts []int
	_ = Do(context.Background(), cfg, func() error {
		return errors.New("transient")
	}, &Options{
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			attempts = append(attempts, attempt)
		},
	})

	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDo_ContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, DefaultConfig(), func() error {
		return errors.New("transient")
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalculateBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{name: "first attempt", attempt: 0, min: 100 * time.Millisecond, max: 110 * time.Millisecond},
		{name: "second attempt", attempt: 1, min: 200 * time.Millisecond, max: 220 * time.Millisecond},
		{name: "third attempt", attempt: 2, min: 400 * time.Millisecond, max: 440 * time.Millisecond},
		{name: "capped", attempt: 20, min: time.Second, max: time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := CalculateBackoff(tt.attempt, 100*time.Millisecond, time.Second, 0.1)
			assert.GreaterOrEqual(t, got, tt.min)
			assert.LessOrEqual(t, got, tt.max)
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()

	var nilCfg *Config
	assert.Equal(t, DefaultMaxAttempts, nilCfg.GetMaxAttempts())
	assert.Equal(t, DefaultInitialBackoff, nilCfg.GetInitialBackoff())
	assert.Equal(t, DefaultMaxBackoff, nilCfg.GetMaxBackoff())
	assert.Equal(t, DefaultJitterFactor, nilCfg.GetJitterFactor())

	over := &Config{JitterFactor: 2.0}
	assert.Equal(t, MaxJitterFactor, over.GetJitterFactor())
}
