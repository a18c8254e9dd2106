// Package retry implements an exponential-backoff-with-jitter retry
// helper. Retryable-vs-fatal is decided by errs.IsRetryable, never by
// string matching.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"kxpipe/internal/errs"
)

// Config controls backoff timing and retry budget.
type Config struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
}

// DefaultConfig returns sane defaults for the scrape retry knobs
// (scrape_retry_max_attempts/base_delay/max_delay).
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		BaseDelay:       time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
	}
}

// Delay returns the backoff delay for the given 0-indexed attempt.
func (c Config) Delay(attempt int) time.Duration {
	d := float64(c.BaseDelay) * math.Pow(c.ExponentialBase, float64(attempt))
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	if c.Jitter {
		d *= 0.75 + rand.Float64()*0.5
	}
	return time.Duration(d)
}

// Sleeper abstracts the sleep call so tests can fake it without real
// wall-clock waits.
type Sleeper func(ctx context.Context, d time.Duration) error

// RealSleep sleeps for d or returns ctx.Err() if ctx is cancelled first.
func RealSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do executes fn, retrying on retryable errors per cfg until success or
// exhaustion. Non-retryable errors propagate immediately. The last error
// is returned if all attempts fail.
func Do(ctx context.Context, cfg Config, sleep Sleeper, fn func(ctx context.Context) error) error {
	if sleep == nil {
		sleep = RealSleep
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !errs.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxRetries {
			break
		}
		if err := sleep(ctx, cfg.Delay(attempt)); err != nil {
			return err
		}
	}
	return lastErr
}
