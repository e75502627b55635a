// Package ratelimit implements fixed-window request limits per named
// resource, in process or shared through Redis.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-dispatch/internal/resilience"
)

// Limit is the number of requests allowed per window.
type Limit struct {
	Requests int           `yaml:"requests" mapstructure:"requests"`
	Window   time.Duration `yaml:"window" mapstructure:"window"`
}

// DefaultLimit allows 100 requests per minute.
var DefaultLimit = Limit{Requests: 100, Window: time.Minute}

// Decision is the outcome of a single check.
type Decision struct {
	Allowed   bool
	Remaining int
	WaitTime  time.Duration
	ResetAt   time.Time
}

// WaitSeconds returns the wait time rounded up to whole seconds.
func (d Decision) WaitSeconds() int {
	if d.Allowed || d.WaitTime <= 0 {
		return 0
	}
	return int(math.Ceil(d.WaitTime.Seconds()))
}

// Limiter admits or denies one request against a resource key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

type window struct {
	mu      sync.Mutex
	limit   Limit
	count   int
	resetAt time.Time
}

// Registry holds one fixed window per key. Each window has its own lock so
// the check-and-increment is atomic per key without serializing all keys.
type Registry struct {
	mu      sync.RWMutex
	windows map[string]*window
	limits  map[string]Limit
	def     Limit

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewRegistry creates an in-process limiter. Keys without an entry in
// limits use def.
func NewRegistry(def Limit, limits map[string]Limit) *Registry {
	if def.Requests <= 0 || def.Window <= 0 {
		def = DefaultLimit
	}
	l := make(map[string]Limit, len(limits))
	for k, v := range limits {
		if v.Requests > 0 && v.Window > 0 {
			l[k] = v
		}
	}
	return &Registry{
		windows: make(map[string]*window),
		limits:  l,
		def:     def,
		nowFunc: time.Now,
	}
}

func (r *Registry) get(key string) *window {
	r.mu.RLock()
	w, ok := r.windows[key]
	r.mu.RUnlock()
	if ok {
		return w
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok = r.windows[key]; ok {
		return w
	}
	lim, ok := r.limits[key]
	if !ok {
		lim = r.def
	}
	w = &window{limit: lim}
	r.windows[key] = w
	return w
}

// Allow counts one request against key. The window starts on the first
// request and resets lazily on the first call past its reset time.
func (r *Registry) Allow(_ context.Context, key string) (Decision, error) {
	w := r.get(key)
	now := r.nowFunc()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.resetAt.IsZero() || !now.Before(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(w.limit.Window)
	}

	if w.count >= w.limit.Requests {
		return Decision{
			Allowed:  false,
			WaitTime: w.resetAt.Sub(now),
			ResetAt:  w.resetAt,
		}, nil
	}

	w.count++
	return Decision{
		Allowed:   true,
		Remaining: w.limit.Requests - w.count,
		ResetAt:   w.resetAt,
	}, nil
}

// Status reports the current count for key without consuming a request.
func (r *Registry) Status(key string) (count int, limit Limit) {
	w := r.get(key)
	now := r.nowFunc()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.resetAt.IsZero() || !now.Before(w.resetAt) {
		return 0, w.limit
	}
	return w.count, w.limit
}

// Reset drops the window for key.
func (r *Registry) Reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.windows, key)
}

// Check consumes one request for key and returns a RateLimitExceeded
// error when the window is full.
func Check(ctx context.Context, l Limiter, key string) error {
	d, err := l.Allow(ctx, key)
	if err != nil {
		return eris.Wrapf(err, "ratelimit: check %s", key)
	}
	if !d.Allowed {
		return &resilience.RateLimitExceeded{Key: key, Wait: d.WaitTime}
	}
	return nil
}

// Wait blocks until l admits a request for key or ctx is done. A denial is
// resolved here by sleeping and never returned to the caller.
func Wait(ctx context.Context, l Limiter, key string) error {
	for {
		err := Check(ctx, l, key)
		if err == nil {
			return nil
		}
		var rle *resilience.RateLimitExceeded
		if !errors.As(err, &rle) {
			return err
		}

		wait := rle.Wait
		if wait <= 0 {
			wait = time.Millisecond
		}
		zap.L().Debug("rate limit reached, waiting",
			zap.String("key", key),
			zap.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return eris.Wrapf(ctx.Err(), "ratelimit: wait for %s", key)
		case <-timer.C:
		}
	}
}
