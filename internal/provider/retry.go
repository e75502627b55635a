package provider

import (
	"context"
	"time"

	"github.com/sells-group/lead-dispatch/internal/metrics"
	"github.com/sells-group/lead-dispatch/internal/model"
	"github.com/sells-group/lead-dispatch/internal/resilience"
)

// Retrying re-attempts retryable send failures with exponential backoff.
type Retrying struct {
	sender Sender
	cfg    resilience.RetryConfig
}

// WithRetry wraps sender. When cfg has no OnRetry hook, retries are
// logged and counted.
func WithRetry(sender Sender, cfg resilience.RetryConfig) *Retrying {
	if cfg.OnRetry == nil {
		logRetry := resilience.RetryLogger(sender.Name(), "send")
		cfg.OnRetry = func(err error, attempt int, delay time.Duration) {
			metrics.RecordRetry("send")
			logRetry(err, attempt, delay)
		}
	}
	return &Retrying{sender: sender, cfg: cfg}
}

// Name implements Sender.
func (r *Retrying) Name() string { return r.sender.Name() }

// Send implements Sender.
func (r *Retrying) Send(ctx context.Context, job model.SendJob) (Result, error) {
	return resilience.DoVal(ctx, r.cfg, func(ctx context.Context) (Result, error) {
		return r.sender.Send(ctx, job)
	})
}
