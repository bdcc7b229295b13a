package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
		MaxRetries:      3,
	}
}

func TestWithRetrySucceedsAfterFailures(t *testing.T) {
	var calls int
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, fastConfig())

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryExhaustsBudget(t *testing.T) {
	var calls int
	wantErr := errors.New("down")
	err := WithRetry(context.Background(), func() error {
		calls++
		return wantErr
	}, fastConfig())

	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 4, calls) // initial attempt + MaxRetries
}

func TestWithRetryStopError(t *testing.T) {
	var calls int
	fatal := errors.New("permanent")
	err := WithRetry(context.Background(), func() error {
		calls++
		return Stop(fatal)
	}, fastConfig())

	assert.Equal(t, 1, calls)
	assert.Equal(t, fatal, err)
}

func TestWithRetryContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithRetry(ctx, func() error {
		return errors.New("transient")
	}, fastConfig())

	assert.ErrorIs(t, err, context.Canceled)
}

func TestExponentialBackoffCapped(t *testing.T) {
	cfg := fastConfig()
	backoff := ExponentialBackoff(cfg)
	for attempt := 1; attempt < 10; attempt++ {
		assert.LessOrEqual(t, backoff(attempt), cfg.MaxInterval)
	}
}
