// Package retry provides exponential backoff primitives for the framework.
// retry.Do covers one-shot operations; Backoff is the stepper used by
// long-lived connection actors that own their own reconnect loop.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	// Thread-safe random source for jitter
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Config provides retry configuration
type Config struct {
	MaxAttempts  int           // Maximum number of attempts (0 = no retry, just run once)
	InitialDelay time.Duration // Initial delay between attempts
	MaxDelay     time.Duration // Maximum delay between attempts
	Multiplier   float64       // Backoff multiplier (typically 2.0)
	AddJitter    bool          // Add randomness to prevent thundering herd
}

// DefaultConfig returns sensible defaults for retry operations
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// jitter returns d plus up to 25% random padding.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	randMu.Lock()
	j := time.Duration(randSource.Int63n(int64(d/4) + 1))
	randMu.Unlock()
	return d + j
}

// Do executes fn with exponential backoff retry
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1 // At least try once
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		return errors.New("retry: MaxDelay must be >= InitialDelay")
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt, ctx.Err())
		}

		// Don't sleep after the last attempt
		if attempt == cfg.MaxAttempts {
			break
		}

		sleep := delay
		if cfg.AddJitter {
			sleep = jitter(delay)
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}

		next := float64(delay) * cfg.Multiplier
		if next > float64(cfg.MaxDelay) {
			delay = cfg.MaxDelay
		} else {
			delay = time.Duration(next)
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// Backoff is a reusable delay stepper for reconnect loops. Each Next call
// grows the delay by the multiplier up to the cap; Reset returns it to the
// initial delay after a successful connection. Not safe for concurrent use;
// each connection actor owns exactly one Backoff.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	AddJitter  bool

	attempt int
	current time.Duration
}

// NewBackoff returns a Backoff with the given bounds. Zero values fall back
// to 1s initial, 1m max, multiplier 2, jitter on.
func NewBackoff(initial, max time.Duration) *Backoff {
	b := &Backoff{Initial: initial, Max: max, Multiplier: 2.0, AddJitter: true}
	if b.Initial <= 0 {
		b.Initial = time.Second
	}
	if b.Max <= 0 {
		b.Max = time.Minute
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	return b
}

// Next returns the delay to wait before the next attempt and advances the
// stepper. The returned delay is non-decreasing across consecutive calls
// (jitter is added on top of the base, never subtracted).
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Initial
	} else {
		next := float64(b.current) * b.Multiplier
		if next > float64(b.Max) {
			b.current = b.Max
		} else {
			b.current = time.Duration(next)
		}
	}
	b.attempt++

	if b.AddJitter {
		return jitter(b.current)
	}
	return b.current
}

// Attempt returns the number of consecutive failures so far.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset returns the stepper to its initial state after a success.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.current = 0
}

// Sleep waits for the next backoff delay or until ctx is done, whichever
// comes first. Returns ctx.Err() when cancelled.
func (b *Backoff) Sleep(ctx context.Context) error {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
