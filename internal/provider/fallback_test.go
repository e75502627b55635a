package provider

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-dispatch/internal/model"
	"github.com/sells-group/lead-dispatch/internal/ratelimit"
	"github.com/sells-group/lead-dispatch/internal/resilience"
)

type stubSender struct {
	name  string
	calls atomic.Int32
	fn    func(call int) (Result, error)
}

func (s *stubSender) Name() string { return s.name }

func (s *stubSender) Send(_ context.Context, _ model.SendJob) (Result, error) {
	n := int(s.calls.Add(1))
	if s.fn == nil {
		return Result{MessageID: s.name + "-msg", Provider: s.name}, nil
	}
	return s.fn(n)
}

func failWith(err error) func(int) (Result, error) {
	return func(int) (Result, error) { return Result{}, err }
}

func TestFallback_PrimarySucceeds(t *testing.T) {
	primary := &stubSender{name: "ses"}
	secondary := &stubSender{name: "sparkpost"}

	res, err := NewFallback(primary, secondary).Send(context.Background(), model.SendJob{})
	require.NoError(t, err)
	assert.Equal(t, "ses", res.Provider)
	assert.Equal(t, int32(0), secondary.calls.Load())
}

func TestFallback_UsesSecondaryOnFailure(t *testing.T) {
	primary := &stubSender{name: "ses", fn: failWith(resilience.NewProviderError("ses", 503, errors.New("down")))}
	secondary := &stubSender{name: "sparkpost"}

	f := NewFallback(primary, secondary)
	assert.Equal(t, "ses+sparkpost", f.Name())

	res, err := f.Send(context.Background(), model.SendJob{})
	require.NoError(t, err)
	assert.Equal(t, "sparkpost", res.Provider)
	assert.Equal(t, "sparkpost-msg", res.MessageID)
}

func TestFallback_HardBounceSkipsSecondary(t *testing.T) {
	bounce := &resilience.TerminalProviderError{Provider: "ses", StatusCode: 400, HardBounce: true, Err: errors.New("550")}
	primary := &stubSender{name: "ses", fn: failWith(bounce)}
	secondary := &stubSender{name: "sparkpost"}

	_, err := NewFallback(primary, secondary).Send(context.Background(), model.SendJob{})
	assert.True(t, resilience.IsHardBounce(err))
	assert.Equal(t, int32(0), secondary.calls.Load())
}

func TestFallback_KeepsRetryableError(t *testing.T) {
	primary := &stubSender{name: "ses", fn: failWith(resilience.NewProviderError("ses", 503, errors.New("down")))}
	secondary := &stubSender{name: "sparkpost", fn: failWith(resilience.NewValidationError("sparkpost.api_key", "not configured"))}

	_, err := NewFallback(primary, secondary).Send(context.Background(), model.SendJob{})
	require.Error(t, err)
	assert.True(t, resilience.IsRetryable(err))
}

func TestFallback_BothTerminal(t *testing.T) {
	primary := &stubSender{name: "ses", fn: failWith(resilience.NewProviderError("ses", 400, errors.New("bad")))}
	secondary := &stubSender{name: "sparkpost", fn: failWith(resilience.NewProviderError("sparkpost", 422, errors.New("bad")))}

	_, err := NewFallback(primary, secondary).Send(context.Background(), model.SendJob{})
	assert.True(t, resilience.IsTerminal(err))
}

func TestNewFallback_NilSecondary(t *testing.T) {
	primary := &stubSender{name: "ses"}
	assert.Same(t, primary, NewFallback(primary, nil))
}

func TestRetrying_RetriesTransientFailures(t *testing.T) {
	s := &stubSender{name: "ses", fn: func(call int) (Result, error) {
		if call < 3 {
			return Result{}, resilience.NewProviderError("ses", 503, errors.New("down"))
		}
		return Result{MessageID: "m-3", Provider: "ses"}, nil
	}}
	r := WithRetry(s, resilience.RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 2})

	res, err := r.Send(context.Background(), model.SendJob{})
	require.NoError(t, err)
	assert.Equal(t, "m-3", res.MessageID)
	assert.Equal(t, int32(3), s.calls.Load())
}

func TestRetrying_TerminalAttemptedOnce(t *testing.T) {
	s := &stubSender{name: "ses", fn: failWith(resilience.NewProviderError("ses", 404, errors.New("gone")))}
	r := WithRetry(s, resilience.RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 2})

	_, err := r.Send(context.Background(), model.SendJob{})
	assert.True(t, resilience.IsTerminal(err))
	assert.Equal(t, int32(1), s.calls.Load())
}

func TestGuard_BreakerOpensAndRejects(t *testing.T) {
	s := &stubSender{name: "ses", fn: failWith(resilience.NewProviderError("ses", 500, errors.New("boom")))}
	cb := resilience.NewCircuitBreaker("ses", resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	g := NewGuard(s, nil, "", cb, time.Second)

	for i := 0; i < 2; i++ {
		_, err := g.Send(context.Background(), model.SendJob{})
		require.Error(t, err)
	}
	_, err := g.Send(context.Background(), model.SendJob{})
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(2), s.calls.Load())
	assert.Equal(t, resilience.CircuitOpen, cb.State())
}

func TestGuard_WaitsForRateLimit(t *testing.T) {
	reg := ratelimit.NewRegistry(ratelimit.Limit{Requests: 1, Window: 50 * time.Millisecond}, nil)
	s := &stubSender{name: "ses"}
	g := NewGuard(s, reg, "", nil, 0)

	start := time.Now()
	for i := 0; i < 2; i++ {
		_, err := g.Send(context.Background(), model.SendJob{})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, int32(2), s.calls.Load())
}

func TestGuard_CancelledWhileRateLimited(t *testing.T) {
	reg := ratelimit.NewRegistry(ratelimit.Limit{Requests: 1, Window: time.Hour}, nil)
	s := &stubSender{name: "ses"}
	g := NewGuard(s, reg, "ses", nil, 0)

	_, err := g.Send(context.Background(), model.SendJob{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Send(ctx, model.SendJob{})
	require.Error(t, err)
	assert.Equal(t, int32(1), s.calls.Load())
}

func TestGuard_TimeoutIsRetryable(t *testing.T) {
	slow := &blockingSender{}
	g := NewGuard(slow, nil, "", nil, 10*time.Millisecond)

	_, err := g.Send(context.Background(), model.SendJob{})
	require.Error(t, err)
	assert.True(t, resilience.IsRetryable(err))
}

type blockingSender struct{}

func (blockingSender) Name() string { return "slow" }

func (blockingSender) Send(ctx context.Context, _ model.SendJob) (Result, error) {
	<-ctx.Done()
	return Result{}, ctx.Err()
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "sent", outcome(nil))
	assert.Equal(t, "rejected", outcome(&resilience.CircuitOpenError{Resource: "ses"}))
	assert.Equal(t, "terminal", outcome(resilience.NewProviderError("ses", 400, errors.New("x"))))
	assert.Equal(t, "transient", outcome(resilience.NewProviderError("ses", 503, errors.New("x"))))
}

func TestBreakerStateLogger(t *testing.T) {
	hook := BreakerStateLogger()
	hook("ses", resilience.CircuitClosed, resilience.CircuitOpen)
}
