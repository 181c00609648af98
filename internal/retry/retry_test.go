package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dms/internal/apperr"
)

func fastPolicy(attempts uint) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxElapsed:      time.Second,
	}
}

func TestDo(t *testing.T) {
	ctx := context.Background()

	t.Run("retries transient failures until success", func(t *testing.T) {
		calls := 0
		got, err := Do(ctx, fastPolicy(5), func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", apperr.Transient(errors.New("connection reset"))
			}
			return "ok", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "ok", got)
		assert.Equal(t, 3, calls)
	})

	t.Run("does not retry permanent failures", func(t *testing.T) {
		calls := 0
		_, err := Do(ctx, fastPolicy(5), func(context.Context) (int, error) {
			calls++
			return 0, apperr.Conflict("stale revision")
		})
		assert.ErrorIs(t, err, apperr.ErrConflict)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops after max attempts and keeps the transient kind", func(t *testing.T) {
		calls := 0
		var waits []time.Duration
		_, err := Do(ctx, fastPolicy(3), func(context.Context) (int, error) {
			calls++
			return 0, apperr.Transient(errors.New("broker down"))
		}, func(_ error, wait time.Duration) {
			waits = append(waits, wait)
		})
		assert.True(t, apperr.IsTransient(err))
		assert.Equal(t, 3, calls)
		assert.Len(t, waits, 2)
	})
}

func TestRun(t *testing.T) {
	calls := 0
	err := Run(context.Background(), fastPolicy(2), func(context.Context) error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}
