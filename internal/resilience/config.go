package resilience

import (
	"time"
)

// FromRetryConfig converts config values to a RetryConfig. Zero values keep
// the defaults; a negative maxRetries disables retries.
func FromRetryConfig(maxRetries, initialDelayMs, maxDelayMs int, factor, jitterFraction float64) RetryConfig {
	cfg := DefaultRetryConfig()
	switch {
	case maxRetries > 0:
		cfg.MaxRetries = maxRetries
	case maxRetries < 0:
		cfg.MaxRetries = 0
	}
	if initialDelayMs > 0 {
		cfg.InitialDelay = time.Duration(initialDelayMs) * time.Millisecond
	}
	if maxDelayMs > 0 {
		cfg.MaxDelay = time.Duration(maxDelayMs) * time.Millisecond
	}
	if factor > 0 {
		cfg.Factor = factor
	}
	if jitterFraction > 0 {
		cfg.JitterFraction = jitterFraction
	}
	return cfg
}

// FromCircuitConfig converts config values to a CircuitBreakerConfig.
func FromCircuitConfig(failureThreshold, resetTimeoutMs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutMs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutMs) * time.Millisecond
	}
	return cfg
}
