// Package retry retries probe operations that fail transiently, with
// exponential backoff and context cancellation.
//
// Two callers motivate it: dialing a GDB server that is still starting up
// (connection refused), and polling target RAM for an RTT control block
// that freshly reset firmware has not written yet.
//
//	conn, err := retry.DoValue(ctx, retry.Config{
//	    MaxRetries:     3,
//	    InitialBackoff: 200 * time.Millisecond,
//	    MaxBackoff:     2 * time.Second,
//	}, func() (net.Conn, error) {
//	    return dialer.DialContext(ctx, "tcp", addr)
//	}, isConnRefused)
//
// The wait before attempt n (n >= 1) is InitialBackoff * 2^(n-1), capped at
// MaxBackoff, plus an optional jitter that grows with n.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Config defines the retry behavior.
//
// The zero value is not usable; MaxRetries and InitialBackoff must be set.
type Config struct {
	// MaxRetries is the maximum number of attempts, including the first.
	MaxRetries int

	// InitialBackoff is the wait before the second attempt. It doubles for
	// every attempt after that.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait. Zero means no cap.
	MaxBackoff time.Duration

	// Jitter (0.0 to 1.0) adds backoff * Jitter * attempt / MaxRetries to
	// each wait.
	Jitter float64
}

// ShouldRetryFunc reports whether err is worth another attempt. A nil
// ShouldRetryFunc retries every error.
type ShouldRetryFunc func(error) bool

// Do calls fn until it succeeds, shouldRetry rejects its error, the
// attempts run out or ctx is done.
//
// A rejected error is returned as is. Exhausting the attempts returns an
// error wrapping the last failure. Cancellation returns ctx.Err().
func Do(ctx context.Context, cfg Config, fn func() error, shouldRetry ShouldRetryFunc) error {
	_, err := DoValue(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	}, shouldRetry)
	return err
}

// DoValue is Do for functions that produce a value. The value of the
// successful attempt is returned.
func DoValue[T any](ctx context.Context, cfg Config, fn func() (T, error), shouldRetry ShouldRetryFunc) (T, error) {
	var (
		zero    T
		lastErr error
	)

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(calculateBackoff(cfg, attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}

		v, err := fn()
		if err == nil {
			return v, nil
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return zero, err
		}
		lastErr = err
	}

	return zero, fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, lastErr)
}

// calculateBackoff returns the wait before attempt (1-based after the
// first call).
func calculateBackoff(cfg Config, attempt int) time.Duration {
	multiplier := math.Pow(2, float64(attempt-1))
	backoff := time.Duration(multiplier * float64(cfg.InitialBackoff))

	if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}

	if cfg.Jitter > 0 {
		jitterAmount := float64(backoff) * cfg.Jitter * float64(attempt) / float64(cfg.MaxRetries)
		backoff += time.Duration(jitterAmount)
	}

	return backoff
}
