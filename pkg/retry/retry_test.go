package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), DefaultConfig(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2.0}
	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2.0}
	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), cfg, func() error {
		calls++
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 10, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2.0}
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, cfg, func() error {
		calls++
		return errors.New("fail")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, calls, 10)
}

func TestBackoffMonotonicAndCapped(t *testing.T) {
	b := NewBackoff(10*time.Millisecond, 80*time.Millisecond)
	b.AddJitter = false

	var prev time.Duration
	for i := 0; i < 6; i++ {
		d := b.Next()
		assert.GreaterOrEqual(t, d, prev, "delay must be non-decreasing")
		assert.LessOrEqual(t, d, 80*time.Millisecond, "delay must respect cap")
		prev = d
	}
	assert.Equal(t, 80*time.Millisecond, prev)
	assert.Equal(t, 6, b.Attempt())
}

func TestBackoffResetsAfterSuccess(t *testing.T) {
	b := NewBackoff(10*time.Millisecond, time.Second)
	b.AddJitter = false

	b.Next()
	b.Next()
	b.Next()
	require.Equal(t, 3, b.Attempt())

	b.Reset()
	assert.Equal(t, 0, b.Attempt())
	assert.Equal(t, 10*time.Millisecond, b.Next(), "first delay after reset is the initial delay")
}

func TestBackoffJitterNeverBelowBase(t *testing.T) {
	b := NewBackoff(8*time.Millisecond, 64*time.Millisecond)
	for i := 0; i < 20; i++ {
		d := b.Next()
		// jitter pads up to 25% on top of the base, never subtracts
		assert.GreaterOrEqual(t, d, 8*time.Millisecond)
		assert.LessOrEqual(t, d, 64*time.Millisecond+16*time.Millisecond)
	}
}

func TestBackoffSleepCancellable(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Sleep(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Sleep did not return after cancellation")
	}
}
