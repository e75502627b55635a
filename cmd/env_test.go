package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-dispatch/internal/config"
	"github.com/sells-group/lead-dispatch/internal/model"
)

// testConfig returns a config for a sqlite store and a sparkpost sender
// pointed at baseURL.
func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	c := &config.Config{}
	c.Store.Driver = "sqlite"
	c.Store.DatabaseURL = filepath.Join(t.TempDir(), "dispatch.db")
	c.Server.Port = 8080
	c.Dispatch = config.DispatchConfig{WaveSize: 10, ConcurrencyPerWave: 2}
	c.RateLimit = config.RateLimitConfig{Backend: "memory", Requests: 100, Window: time.Minute}
	c.Retry = config.RetryConfig{MaxRetries: 1, InitialDelayMs: 1, MaxDelayMs: 1, Factor: 1}
	c.Circuit = config.CircuitConfig{FailureThreshold: 5, ResetTimeoutMs: 1000}
	c.Sequence.EnrollThreshold = 65
	c.Provider = config.ProviderConfig{
		Primary:   "sparkpost",
		From:      "team@example.org",
		Timeout:   5 * time.Second,
		SparkPost: config.SparkPostConfig{Key: "sp-key", BaseURL: baseURL},
	}
	c.Ingest = config.IngestConfig{
		Concurrency: 2,
		AutoEnroll:  true,
		Sequences:   map[string]string{"priority_donor": "welcome", "warm_prospect": "welcome", "cold_nurture": "welcome"},
	}
	return c
}

func sparkPostStub(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		id := n.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"results":{"id":"sp-%d","total_accepted_recipients":1,"total_rejected_recipients":0}}`, id)
	}))
	t.Cleanup(srv.Close)
	return srv, &n
}

func TestInitStore_SQLite(t *testing.T) {
	cfg = &config.Config{
		Store: config.StoreConfig{
			Driver:      "sqlite",
			DatabaseURL: filepath.Join(t.TempDir(), "test.db"),
		},
	}

	st, err := initStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	assert.NoError(t, st.Ping(context.Background()))
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	cfg = &config.Config{Store: config.StoreConfig{Driver: "mysql"}}

	st, err := initStore(context.Background())
	assert.Nil(t, st)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitApp_FailsValidation(t *testing.T) {
	cfg = &config.Config{Store: config.StoreConfig{Driver: "postgres"}}

	env, err := initApp(context.Background(), "serve")
	assert.Nil(t, env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestInitApp_EndToEnd(t *testing.T) {
	srv, sent := sparkPostStub(t)
	cfg = testConfig(t, srv.URL)
	ctx := context.Background()

	env, err := initApp(ctx, "serve")
	require.NoError(t, err)
	defer env.Close()
	require.NotNil(t, env.Breakers)

	_, err = loadSequences(ctx, env.Store, "")
	require.NoError(t, err)

	res, err := env.Service.EnqueueRun(ctx, "cli", []model.Lead{{
		Email: "ann@acme.com", FirstName: "Ann", LastName: "Lee", Organization: "Acme", Title: "Director",
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Counters.Enrolled)

	sweep, err := env.Service.RunSweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Sent)
	assert.Equal(t, int32(1), sent.Load())
}

func TestInitLimiter_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg = &config.Config{}
	cfg.RateLimit = config.RateLimitConfig{Backend: "redis", Requests: 1, Window: time.Minute}
	cfg.Redis.URL = "redis://" + mr.Addr()

	l, rdb, err := initLimiter(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rdb)
	defer rdb.Close() //nolint:errcheck

	d, err := l.Allow(context.Background(), "sparkpost")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = l.Allow(context.Background(), "sparkpost")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestInitLimiter_Memory(t *testing.T) {
	cfg = &config.Config{}
	cfg.RateLimit = config.RateLimitConfig{Backend: "memory"}

	l, rdb, err := initLimiter(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rdb)
	assert.NotNil(t, l)
}

func TestInitSender_Fallback(t *testing.T) {
	cfg = testConfig(t, "http://127.0.0.1:0")
	cfg.Provider.Primary = "ses"
	cfg.Provider.Fallback = "sparkpost"
	cfg.Provider.SES = config.SESConfig{Region: "us-east-1", AccessKeyID: "AKID", SecretAccessKey: "secret"}

	l, _, err := initLimiter(context.Background())
	require.NoError(t, err)
	s, err := initSender(context.Background(), l, newBreakers())
	require.NoError(t, err)
	assert.Equal(t, "ses+sparkpost", s.Name())

	cfg.Provider.Fallback = ""
	s, err = initSender(context.Background(), l, newBreakers())
	require.NoError(t, err)
	assert.Equal(t, "ses", s.Name())
}

func TestInitSender_UnknownProvider(t *testing.T) {
	cfg = testConfig(t, "")
	cfg.Provider.Primary = "mailgun"

	l, _, err := initLimiter(context.Background())
	require.NoError(t, err)
	_, err = initSender(context.Background(), l, newBreakers())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestInitClassifier(t *testing.T) {
	cfg = testConfig(t, "")
	c, err := initClassifier()
	require.NoError(t, err)
	assert.NotNil(t, c)

	cfg.Anthropic.Refine = true
	_, err = initClassifier()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic key is required")

	cfg.Anthropic.Refine = false
	cfg.Ingest.RulesPath = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = initClassifier()
	assert.Error(t, err)
}

func TestInitSalesforce_RequiresClientID(t *testing.T) {
	cfg = &config.Config{}
	_, err := initSalesforce()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client ID is required")
}

func TestRetryConfig(t *testing.T) {
	cfg = &config.Config{Retry: config.RetryConfig{MaxRetries: 4, InitialDelayMs: 250, MaxDelayMs: 2000, Factor: 3}}
	rc := retryConfig()
	assert.Equal(t, 4, rc.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, rc.InitialDelay)
	assert.Equal(t, 2*time.Second, rc.MaxDelay)
}

func TestRateLimits_DefaultsWhenUnset(t *testing.T) {
	cfg = &config.Config{}
	cfg.RateLimit.Keys = map[string]config.KeyLimit{"ses": {Requests: 14, Window: time.Second}}
	def, limits := rateLimits()
	assert.Equal(t, 100, def.Requests)
	assert.Equal(t, 14, limits["ses"].Requests)
}
