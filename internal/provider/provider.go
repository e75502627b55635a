// Package provider delivers send jobs through external email transports
// and wraps them with rate limiting, circuit breaking, retry and fallback.
package provider

import (
	"context"

	"github.com/sells-group/lead-dispatch/internal/model"
)

// Result is a provider's acceptance of one message.
type Result struct {
	MessageID string `json:"message_id"`
	Provider  string `json:"provider"`
}

// Sender delivers one job. Errors are classified with the resilience
// taxonomy so callers can tell terminal failures from transient ones.
type Sender interface {
	Name() string
	Send(ctx context.Context, job model.SendJob) (Result, error)
}

// Defaults fills From and ReplyTo on jobs that leave them empty.
type Defaults struct {
	From    string
	ReplyTo string
}

func (d Defaults) apply(job model.SendJob) model.SendJob {
	if job.From == "" {
		job.From = d.From
	}
	if job.ReplyTo == "" {
		job.ReplyTo = d.ReplyTo
	}
	return job
}
