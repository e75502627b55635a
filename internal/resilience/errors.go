package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// ValidationError marks input that is rejected outright and never retried,
// such as a missing or malformed email address.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewValidationError returns a ValidationError for field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// DuplicateError reports that a record matched an existing one. It routes
// the caller to the update path and is not surfaced as a failure.
type DuplicateError struct {
	ExistingID string
	MatchedOn  string // "fingerprint" or "email"
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate of %s (matched on %s)", e.ExistingID, e.MatchedOn)
}

// TransientProviderError is a provider failure that is safe to retry:
// 5xx, 429, timeouts and connection errors.
type TransientProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *TransientProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: transient (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient: %v", e.Provider, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// HTTPStatus returns the provider status code, or 0.
func (e *TransientProviderError) HTTPStatus() int { return e.StatusCode }

// TerminalProviderError is a provider failure that must not be retried:
// a 4xx other than 429, or an explicit hard bounce.
type TerminalProviderError struct {
	Provider   string
	StatusCode int
	HardBounce bool
	Err        error
}

func (e *TerminalProviderError) Error() string {
	switch {
	case e.HardBounce:
		return fmt.Sprintf("%s: hard bounce: %v", e.Provider, e.Err)
	case e.StatusCode > 0:
		return fmt.Sprintf("%s: terminal (status %d): %v", e.Provider, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("%s: terminal: %v", e.Provider, e.Err)
	}
}

func (e *TerminalProviderError) Unwrap() error { return e.Err }

// HTTPStatus returns the provider status code, or 0.
func (e *TerminalProviderError) HTTPStatus() int { return e.StatusCode }

// RateLimitExceeded is returned by a limiter that denied a request. It is
// resolved by waiting and never escapes the dispatch path.
type RateLimitExceeded struct {
	Key  string
	Wait time.Duration
}

func (e *RateLimitExceeded) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry in %s", e.Key, e.Wait)
}

// CircuitOpenError is returned when a breaker rejects a call without
// invoking it. Callers should try again later.
type CircuitOpenError struct {
	Resource string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker is open for %s", e.Resource)
}

// Is lets errors.Is(err, ErrCircuitOpen) match any CircuitOpenError.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// StatusCoder is implemented by errors that carry an HTTP-like status.
type StatusCoder interface {
	HTTPStatus() int
}

// NewProviderError classifies a provider failure by its HTTP status.
// A status in [400,500) other than 429 is terminal; anything else,
// including status 0 for transport errors, is transient.
func NewProviderError(provider string, statusCode int, err error) error {
	if IsTerminalStatus(statusCode) {
		return &TerminalProviderError{Provider: provider, StatusCode: statusCode, Err: err}
	}
	return &TransientProviderError{Provider: provider, StatusCode: statusCode, Err: err}
}

// IsTerminalStatus reports whether an HTTP status is a client error that
// retrying cannot fix.
func IsTerminalStatus(statusCode int) bool {
	return statusCode >= 400 && statusCode < 500 && statusCode != 429
}

// ClassifyStatus maps an HTTP status to "terminal" or "transient".
func ClassifyStatus(statusCode int) string {
	if IsTerminalStatus(statusCode) {
		return "terminal"
	}
	return "transient"
}

// IsTerminal reports whether err must not be retried.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}

	var ve *ValidationError
	if errors.As(err, &ve) {
		return true
	}
	var te *TerminalProviderError
	if errors.As(err, &te) {
		return true
	}
	var tr *TransientProviderError
	if errors.As(err, &tr) {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return IsTerminalStatus(sc.HTTPStatus())
	}
	return false
}

// IsRetryable is the default retry policy: everything that is not
// terminal, not a rejected circuit, and not a cancelled context.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !IsTerminal(err)
}

// IsHardBounce reports whether err carries a hard bounce signal.
func IsHardBounce(err error) bool {
	var te *TerminalProviderError
	return errors.As(err, &te) && te.HardBounce
}

// IsTransient returns true if the error is an explicit transient provider
// error or matches common transient network patterns (timeouts, connection
// resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientProviderError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// Classify returns "terminal", "transient" or "unknown" for logging and
// metrics labels.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case IsTerminal(err):
		return "terminal"
	case IsTransient(err):
		return "transient"
	default:
		return "unknown"
	}
}
