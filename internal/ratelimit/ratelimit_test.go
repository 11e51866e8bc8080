package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute_SucceedsFirstTry(t *testing.T) {
	l := New(Config{RPMLimit: 10})
	calls := 0
	v, err := Execute(context.Background(), l, "test", func(ctx context.Context) (int, error) {
		calls++
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls)
}

func TestExecute_RetriesOnRateLimitThenSucceeds(t *testing.T) {
	l := New(Config{RPMLimit: 10, MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
	calls := 0
	v, err := Execute(context.Background(), l, "test", func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, &RateLimitError{Message: "rate limited"}
		}
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, 3, calls)
}

func TestExecute_PermanentErrorStopsImmediately(t *testing.T) {
	l := New(Config{RPMLimit: 10})
	calls := 0
	_, err := Execute(context.Background(), l, "test", func(ctx context.Context) (int, error) {
		calls++
		return 0, assertPermanent{}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

type assertPermanent struct{}

func (assertPermanent) Error() string { return "invalid model name" }

func TestRateLimitWait_ParsesHint(t *testing.T) {
	err := &RateLimitError{Message: "Please try again in 3.5s"}
	wait, ok := rateLimitWait(err)
	require.True(t, ok)
	assert.InDelta(t, 4.0, wait.Seconds(), 0.01)
}

func TestRateLimitWait_NoHintFallsInRange(t *testing.T) {
	err := &RateLimitError{Message: "rate limit exceeded"}
	wait, ok := rateLimitWait(err)
	require.True(t, ok)
	assert.GreaterOrEqual(t, wait, 2*time.Second)
	assert.LessOrEqual(t, wait, 5*time.Second)
}

func TestWaitForBudget_BlocksAtLimit(t *testing.T) {
	l := New(Config{RPMLimit: 1})
	ctx := context.Background()
	require.NoError(t, l.waitForBudget(ctx))

	done := make(chan struct{})
	go func() {
		_ = l.waitForBudget(ctx)
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("waitForBudget should have blocked with rpm limit exhausted")
	case <-time.After(50 * time.Millisecond):
	}
}
