package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func fastRetry(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		Factor:       2.0,
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), DefaultRetryConfig(), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_SuccessAfterRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return NewProviderError("ses", 503, errors.New("unavailable"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_TransientExhaustsRetries(t *testing.T) {
	var calls int
	last := errors.New("attempt")
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		return NewProviderError("ses", 503, last)
	})
	if calls != 4 {
		t.Errorf("expected maxRetries+1 = 4 calls, got %d", calls)
	}
	if !errors.Is(err, last) {
		t.Errorf("expected the last error, got %v", err)
	}
}

func TestDo_NotFoundAttemptedOnce(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		return NewProviderError("ses", 404, errors.New("not found"))
	})
	if calls != 1 {
		t.Errorf("expected 1 call for a 404, got %d", calls)
	}
	var te *TerminalProviderError
	if !errors.As(err, &te) || te.StatusCode != 404 {
		t.Errorf("expected TerminalProviderError 404, got %v", err)
	}
}

func TestDo_TooManyRequestsIsRetried(t *testing.T) {
	var calls int
	_ = Do(context.Background(), fastRetry(2), func(_ context.Context) error {
		calls++
		return NewProviderError("ses", 429, errors.New("slow down"))
	})
	if calls != 3 {
		t.Errorf("expected 3 calls for a 429, got %d", calls)
	}
}

func TestDo_PlainErrorsAreRetried(t *testing.T) {
	var calls int
	_ = Do(context.Background(), fastRetry(1), func(_ context.Context) error {
		calls++
		return errors.New("network blip")
	})
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestDo_CircuitOpenNotRetried(t *testing.T) {
	var calls int
	_ = Do(context.Background(), fastRetry(3), func(_ context.Context) error {
		calls++
		return &CircuitOpenError{Resource: "ses"}
	})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_ContextCancelled_StopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32

	cfg := RetryConfig{MaxRetries: 10, InitialDelay: time.Second, MaxDelay: time.Second}
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Do(ctx, cfg, func(_ context.Context) error {
		calls.Add(1)
		return errors.New("fail")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", calls.Load())
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("cancellation did not interrupt the sleep")
	}
}

func TestDo_CustomShouldRetry(t *testing.T) {
	var calls int
	cfg := fastRetry(3)
	cfg.ShouldRetry = func(err error) bool { return err.Error() == "retry me" }

	_ = Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("retry me")
		}
		return errors.New("stop")
	})
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestDo_OnRetryReportsErrorAttemptAndDelay(t *testing.T) {
	type call struct {
		attempt int
		delay   time.Duration
	}
	var got []call
	cfg := RetryConfig{
		MaxRetries:   4,
		InitialDelay: time.Millisecond,
		MaxDelay:     3 * time.Millisecond,
		Factor:       2.0,
		OnRetry: func(err error, attempt int, delay time.Duration) {
			if err == nil {
				t.Error("OnRetry received nil error")
			}
			got = append(got, call{attempt, delay})
		},
	}

	_ = Do(context.Background(), cfg, func(_ context.Context) error {
		return NewProviderError("ses", 500, errors.New("boom"))
	})

	want := []call{
		{1, time.Millisecond},
		{2, 2 * time.Millisecond},
		{3, 3 * time.Millisecond},
		{4, 3 * time.Millisecond},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d callbacks, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("callback %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestDoVal_ReturnsValueOnSuccess(t *testing.T) {
	var calls int
	val, err := DoVal(context.Background(), fastRetry(3), func(_ context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", NewProviderError("ses", 502, errors.New("bad gateway"))
		}
		return "msg-1", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "msg-1" {
		t.Errorf("expected msg-1, got %q", val)
	}
}

func TestDoVal_ReturnsZeroOnFailure(t *testing.T) {
	val, err := DoVal(context.Background(), fastRetry(1), func(_ context.Context) (int, error) {
		return 42, errors.New("always")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if val != 0 {
		t.Errorf("expected zero value, got %d", val)
	}
}

func TestNextDelay_CapsAtMax(t *testing.T) {
	cfg := applyDefaults(RetryConfig{InitialDelay: time.Second, MaxDelay: 5 * time.Second, Factor: 3})
	d := cfg.InitialDelay
	var seq []time.Duration
	for i := 0; i < 4; i++ {
		seq = append(seq, d)
		d = nextDelay(d, cfg)
	}
	want := []time.Duration{time.Second, 3 * time.Second, 5 * time.Second, 5 * time.Second}
	for i := range want {
		if seq[i] != want[i] {
			t.Errorf("step %d: expected %s, got %s", i, want[i], seq[i])
		}
	}
}

func TestJitter_StaysInRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jitter(time.Second, 0.5)
		if d < 500*time.Millisecond || d > 1500*time.Millisecond {
			t.Fatalf("jittered delay out of range: %s", d)
		}
	}
	if jitter(time.Second, 0) != time.Second {
		t.Error("zero fraction must not change the delay")
	}
}

func TestFromRetryConfig(t *testing.T) {
	cfg := FromRetryConfig(5, 200, 1000, 3, 0)
	if cfg.MaxRetries != 5 || cfg.InitialDelay != 200*time.Millisecond || cfg.MaxDelay != time.Second || cfg.Factor != 3 {
		t.Errorf("unexpected config: %+v", cfg)
	}

	def := FromRetryConfig(0, 0, 0, 0, 0)
	if def.MaxRetries != 3 || def.InitialDelay != time.Second {
		t.Errorf("expected defaults, got %+v", def)
	}

	none := FromRetryConfig(-1, 0, 0, 0, 0)
	if none.MaxRetries != 0 {
		t.Errorf("expected retries disabled, got %d", none.MaxRetries)
	}
}

func TestFromCircuitConfig(t *testing.T) {
	cfg := FromCircuitConfig(3, 1500)
	if cfg.FailureThreshold != 3 || cfg.ResetTimeout != 1500*time.Millisecond {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestRetryLogger(t *testing.T) {
	fn := RetryLogger("ses", "send")
	fn(errors.New("boom"), 1, time.Millisecond)
}
