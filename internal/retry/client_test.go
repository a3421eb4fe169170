package retry

import (
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        time.Second,
	}
}

func TestRetrier_Do_SucceedsFirstTry(t *testing.T) {
	r := New(log.Default(), fastConfig())
	calls := 0
	err := r.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestRetrier_Do_RetriesTransientThenSucceeds(t *testing.T) {
	r := New(log.Default(), fastConfig())
	calls := 0
	err := r.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("temporary failure: connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestRetrier_Do_GivesUpOnNonTransient(t *testing.T) {
	r := New(log.Default(), fastConfig())
	calls := 0
	err := r.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return errors.New("validation failure: bad strike")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls, "non-transient errors must not be retried")
}

func TestRetrier_Do_ExhaustsRetries(t *testing.T) {
	r := New(log.Default(), fastConfig())
	calls := 0
	err := r.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return errors.New("rate limit exceeded")
	})
	require.Error(t, err)
	require.Equal(t, fastConfig().MaxRetries+1, calls)
}

func TestIsTransient(t *testing.T) {
	require.True(t, IsTransient(errors.New("dial tcp: i/o timeout")))
	require.True(t, IsTransient(errors.New("502 Bad Gateway")))
	require.False(t, IsTransient(errors.New("validation failure")))
	require.False(t, IsTransient(nil))
}
