package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions(retries int) Options {
	return Options{
		Config: Config{
			MaxRetries:      retries,
			BaseDelay:       time.Millisecond,
			MaxDelay:        5 * time.Millisecond,
			BackoffMultiple: 2,
		},
		ErrorChecker: IsTransientStatus,
		APIName:      "test",
	}
}

func TestDo_SucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastOptions(3), func(ctx context.Context, attempt int) (string, int, error) {
		calls++
		if attempt < 2 {
			return "", 503, errors.New("unavailable")
		}
		return "ok", 200, nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := errors.New("bad request")
	_, err := Do(context.Background(), fastOptions(3), func(ctx context.Context, attempt int) (int, int, error) {
		calls++
		return 0, 401, permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDo_Exhausted(t *testing.T) {
	calls := 0
	rateLimited := errors.New("slow down")
	_, err := Do(context.Background(), fastOptions(2), func(ctx context.Context, attempt int) (int, int, error) {
		calls++
		return 0, 429, rateLimited
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, 429, exhausted.LastStatusCode)
	assert.ErrorIs(t, err, rateLimited)
	assert.Equal(t, 3, calls)
}

func TestDo_CancelledDuringBackoff(t *testing.T) {
	opts := fastOptions(5)
	opts.Config.BaseDelay = time.Hour
	opts.Config.MaxDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	_, err := Do(ctx, opts, func(ctx context.Context, attempt int) (int, int, error) {
		calls++
		return 0, 0, errors.New("connection reset")
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, calls)
}

func TestConfigDelay(t *testing.T) {
	c := Config{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, BackoffMultiple: 2}
	assert.Equal(t, 100*time.Millisecond, c.delay(0))
	assert.Equal(t, 200*time.Millisecond, c.delay(1))
	assert.Equal(t, 300*time.Millisecond, c.delay(2))
}

func TestIsTransientStatus(t *testing.T) {
	err := errors.New("x")
	assert.True(t, IsTransientStatus(err, 0))
	assert.True(t, IsTransientStatus(err, 429))
	assert.True(t, IsTransientStatus(err, 502))
	assert.False(t, IsTransientStatus(err, 400))
	assert.False(t, IsTransientStatus(nil, 500))
}
