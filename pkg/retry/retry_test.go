package retry

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tj-corona/vortexfinder2/errors"
)

func fastPolicy(attempts int) Policy {
	return Policy{Attempts: attempts, Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), func() error {
		calls++
		if calls < 3 {
			return errors.WrapTransient(stderrors.New("dial refused"), "Test", "Do", "dial")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	sentinel := stderrors.New("still down")
	calls := 0
	err := Do(context.Background(), fastPolicy(4), func() error {
		calls++
		return sentinel
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Contains(t, err.Error(), "after 4 attempts")
	assert.Equal(t, 4, calls)
}

func TestDo_StopsOnInvalidOrFatal(t *testing.T) {
	for name, fail := range map[string]error{
		"invalid": errors.WrapInvalid(errors.ErrInvalidData, "Test", "Do", "parse"),
		"fatal":   errors.WrapFatal(errors.ErrBindFailed, "Test", "Do", "bind"),
	} {
		t.Run(name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), fastPolicy(5), func() error {
				calls++
				return fail
			})
			assert.Equal(t, fail, err)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{Attempts: 10, Initial: time.Second, Max: time.Second, Multiplier: 1}

	calls := 0
	err := Do(ctx, p, func() error {
		calls++
		cancel()
		return stderrors.New("down")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Equal(t, 1, calls)
}

func TestDo_ContextAlreadyDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := Do(ctx, fastPolicy(3), func() error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: 300 * time.Millisecond, Multiplier: 2}.normalize()
	assert.Equal(t, 1, p.Attempts)
	assert.Equal(t, 200*time.Millisecond, p.next(100*time.Millisecond))
	assert.Equal(t, 300*time.Millisecond, p.next(200*time.Millisecond))

	zero := Policy{}.normalize()
	assert.Equal(t, 100*time.Millisecond, zero.Initial)
	assert.Equal(t, zero.Initial, zero.Max)
}
