package provider

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/lead-dispatch/internal/metrics"
	"github.com/sells-group/lead-dispatch/internal/model"
	"github.com/sells-group/lead-dispatch/internal/ratelimit"
	"github.com/sells-group/lead-dispatch/internal/resilience"
)

// Guard wraps one provider with its rate limit window, circuit breaker
// and per-call timeout. Calls wait for the limiter before the breaker is
// consulted, so throttled calls never count as failures.
type Guard struct {
	sender  Sender
	limiter ratelimit.Limiter
	key     string
	breaker *resilience.CircuitBreaker
	timeout time.Duration
}

// NewGuard creates a Guard. A nil limiter disables rate limiting; the
// limiter key defaults to the provider name.
func NewGuard(sender Sender, limiter ratelimit.Limiter, key string, breaker *resilience.CircuitBreaker, timeout time.Duration) *Guard {
	if key == "" {
		key = sender.Name()
	}
	return &Guard{sender: sender, limiter: limiter, key: key, breaker: breaker, timeout: timeout}
}

// Name implements Sender.
func (g *Guard) Name() string { return g.sender.Name() }

// Send implements Sender.
func (g *Guard) Send(ctx context.Context, job model.SendJob) (Result, error) {
	if g.limiter != nil {
		d, err := g.limiter.Allow(ctx, g.key)
		if err != nil {
			return Result{}, err
		}
		if !d.Allowed {
			metrics.RecordRateLimited(g.key)
			zap.L().Debug("provider rate limited",
				zap.String("provider", g.Name()),
				zap.Int("wait_seconds", d.WaitSeconds()),
			)
			if err := ratelimit.Wait(ctx, g.limiter, g.key); err != nil {
				return Result{}, err
			}
		}
	}

	call := func(ctx context.Context) (Result, error) {
		if g.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		return g.sender.Send(ctx, job)
	}

	start := time.Now()
	var res Result
	var err error
	if g.breaker != nil {
		res, err = resilience.ExecuteVal(ctx, g.breaker, call)
	} else {
		res, err = call(ctx)
	}
	metrics.RecordSend(g.Name(), outcome(err), time.Since(start))
	return res, err
}

func outcome(err error) string {
	if err == nil {
		return "sent"
	}
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "rejected"
	case resilience.IsTerminal(err):
		return "terminal"
	default:
		return "transient"
	}
}

// BreakerStateLogger returns an OnStateChange hook that logs transitions
// and exports them as a gauge.
func BreakerStateLogger() func(name string, from, to resilience.CircuitState) {
	return func(name string, from, to resilience.CircuitState) {
		metrics.RecordBreakerState(name, to.String())
		zap.L().Warn("circuit breaker state change",
			zap.String("provider", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
}
