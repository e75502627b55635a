package provider

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-dispatch/internal/model"
	"github.com/sells-group/lead-dispatch/internal/resilience"
)

// Fallback sends through the primary provider and, when that fails,
// through the secondary. A hard bounce from the primary is returned as is
// since another provider would reject the same recipient.
type Fallback struct {
	primary   Sender
	secondary Sender
}

// NewFallback returns primary unchanged when secondary is nil.
func NewFallback(primary, secondary Sender) Sender {
	if secondary == nil {
		return primary
	}
	return &Fallback{primary: primary, secondary: secondary}
}

// Name implements Sender.
func (f *Fallback) Name() string {
	return f.primary.Name() + "+" + f.secondary.Name()
}

// Send implements Sender. The result names whichever provider accepted the
// message.
func (f *Fallback) Send(ctx context.Context, job model.SendJob) (Result, error) {
	res, err := f.primary.Send(ctx, job)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil || resilience.IsHardBounce(err) {
		return Result{}, err
	}

	zap.L().Warn("primary provider failed, using fallback",
		zap.String("primary", f.primary.Name()),
		zap.String("fallback", f.secondary.Name()),
		zap.String("lead_id", job.LeadID),
		zap.Error(err),
	)

	res, err2 := f.secondary.Send(ctx, job)
	if err2 == nil {
		return res, nil
	}

	// Keep the job retryable if either provider may recover.
	if resilience.IsRetryable(err) && !resilience.IsRetryable(err2) {
		return Result{}, eris.Wrapf(err, "provider: %s failed (%s: %v)", f.primary.Name(), f.secondary.Name(), err2)
	}
	return Result{}, eris.Wrapf(err2, "provider: %s failed (%s: %v)", f.secondary.Name(), f.primary.Name(), err)
}
