package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls bounded exponential backoff.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt, so an
	// operation runs at most MaxRetries+1 times. Default: 3.
	MaxRetries int

	// InitialDelay is the sleep before the first retry. Default: 1s.
	InitialDelay time.Duration

	// MaxDelay caps the sleep between attempts. Default: 30s.
	MaxDelay time.Duration

	// Factor scales the delay after each retry. Default: 2.0.
	Factor float64

	// JitterFraction adds ±fraction random jitter to each sleep. Default: 0.
	JitterFraction float64

	// ShouldRetry overrides the default IsRetryable policy.
	ShouldRetry func(err error) bool

	// OnRetry fires before each retry sleep.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// DefaultRetryConfig mirrors the provider defaults: 3 retries starting at
// one second, doubling up to 30 seconds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2.0,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or has been
// attempted MaxRetries+1 times. The last error is returned. Context
// cancellation stops retries immediately.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal is like Do but preserves the value returned by the successful call.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = applyDefaults(cfg)

	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsRetryable
	}

	var zero T
	var lastErr error
	delay := cfg.InitialDelay
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, lastErr
		}
		// Terminal errors are returned without consuming a retry.
		if !shouldRetry(lastErr) {
			return zero, lastErr
		}
		if attempt == cfg.MaxRetries {
			break
		}

		sleep := jitter(delay, cfg.JitterFraction)
		if cfg.OnRetry != nil {
			cfg.OnRetry(lastErr, attempt+1, sleep)
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}

		delay = nextDelay(delay, cfg)
	}

	return zero, lastErr
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Factor <= 0 {
		cfg.Factor = 2.0
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	return cfg
}

// nextDelay returns min(delay*factor, maxDelay).
func nextDelay(delay time.Duration, cfg RetryConfig) time.Duration {
	next := time.Duration(float64(delay) * cfg.Factor)
	if next > cfg.MaxDelay || next < 0 {
		return cfg.MaxDelay
	}
	return next
}

func jitter(delay time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return delay
	}
	spread := float64(delay) * fraction
	d := float64(delay) + (rand.Float64()*2-1)*spread
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(service, operation string) func(error, int, time.Duration) {
	return func(err error, attempt int, delay time.Duration) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
}
