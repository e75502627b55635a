package main

import (
	"context"
	"os"

	"github.com/k-capehart/go-salesforce/v3"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-dispatch/internal/app"
	"github.com/sells-group/lead-dispatch/internal/classify"
	"github.com/sells-group/lead-dispatch/internal/crm"
	"github.com/sells-group/lead-dispatch/internal/dedup"
	"github.com/sells-group/lead-dispatch/internal/dispatch"
	"github.com/sells-group/lead-dispatch/internal/enrich"
	"github.com/sells-group/lead-dispatch/internal/ingest"
	"github.com/sells-group/lead-dispatch/internal/provider"
	"github.com/sells-group/lead-dispatch/internal/ratelimit"
	"github.com/sells-group/lead-dispatch/internal/resilience"
	"github.com/sells-group/lead-dispatch/internal/sequence"
	"github.com/sells-group/lead-dispatch/internal/store"
	"github.com/sells-group/lead-dispatch/internal/tracker"
	anthropicpkg "github.com/sells-group/lead-dispatch/pkg/anthropic"
	"github.com/sells-group/lead-dispatch/pkg/perplexity"
	sfpkg "github.com/sells-group/lead-dispatch/pkg/salesforce"
)

// appEnv holds the initialized store, engine and service needed by the
// serve, sweep, import and enrollment commands.
type appEnv struct {
	Store    store.Store
	Service  *app.Service
	Engine   *sequence.Engine
	Batcher  *dispatch.Batcher
	Breakers *resilience.ServiceBreakers
	Redis    *redis.Client // nil unless the redis limiter is configured
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Redis != nil {
		_ = e.Redis.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "dispatch.db"
		}
		st, err = store.NewSQLite(dsn)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{MaxConns: cfg.Store.MaxConns})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initApp validates config for mode and builds the full environment.
// Callers should defer env.Close().
func initApp(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st}

	limiter, rdb, err := initLimiter(ctx)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Redis = rdb

	env.Breakers = newBreakers()
	sender, err := initSender(ctx, limiter, env.Breakers)
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Batcher = dispatch.New(sender, st, dispatch.Config{
		WaveSize:           cfg.Dispatch.WaveSize,
		WaveDelay:          cfg.Dispatch.WaveDelay,
		ConcurrencyPerWave: cfg.Dispatch.ConcurrencyPerWave,
		IntraWaveDelay:     cfg.Dispatch.IntraWaveDelay,
	})

	renderer := sequence.NewRenderer()
	env.Engine = sequence.NewEngine(st, env.Batcher, renderer, sequence.Config{
		SweepInterval:    cfg.Sequence.SweepInterval,
		SweepBatchSize:   cfg.Sequence.SweepBatchSize,
		EnrollThreshold:  cfg.Sequence.EnrollThreshold,
		MaxStepAttempts:  cfg.Sequence.MaxStepAttempts,
		ConditionRecheck: cfg.Sequence.ConditionRecheck,
	})

	classifier, err := initClassifier()
	if err != nil {
		env.Close()
		return nil, err
	}

	deps := ingest.Deps{
		Resolver:   dedup.New(st),
		Classifier: classifier,
		Enroller:   env.Engine,
		Tracker:    tracker.New(st),
		Store:      st,
	}

	// Salesforce sync is optional; leads stay local without it.
	if cfg.Salesforce.ClientID != "" {
		sfClient, err := initSalesforce()
		if err != nil {
			env.Close()
			return nil, err
		}
		deps.CRM = crm.NewSyncer(sfClient, retryConfig(), cfg.Salesforce.LeadTypeField)
		zap.L().Info("salesforce sync enabled")
	} else {
		zap.L().Debug("DISPATCH_SALESFORCE_CLIENT_ID not set, CRM sync disabled")
	}

	if cfg.Perplexity.Key != "" {
		pc := perplexity.NewClient(cfg.Perplexity.Key, perplexity.WithModel(cfg.Perplexity.Model))
		deps.Finder = enrich.NewFinder(pc, retryConfig())
		zap.L().Info("email lookup enabled")
	}

	pipeline := ingest.New(deps, ingest.Config{
		Concurrency: cfg.Ingest.Concurrency,
		AutoEnroll:  cfg.Ingest.AutoEnroll,
	})

	env.Service = app.New(st, pipeline, env.Engine, env.Batcher)
	return env, nil
}

func retryConfig() resilience.RetryConfig {
	r := cfg.Retry
	return resilience.FromRetryConfig(r.MaxRetries, r.InitialDelayMs, r.MaxDelayMs, r.Factor, r.JitterFraction)
}

func rateLimits() (ratelimit.Limit, map[string]ratelimit.Limit) {
	def := ratelimit.Limit{Requests: cfg.RateLimit.Requests, Window: cfg.RateLimit.Window}
	if def.Requests <= 0 || def.Window <= 0 {
		def = ratelimit.DefaultLimit
	}
	limits := make(map[string]ratelimit.Limit, len(cfg.RateLimit.Keys))
	for key, l := range cfg.RateLimit.Keys {
		limits[key] = ratelimit.Limit{Requests: l.Requests, Window: l.Window}
	}
	return def, limits
}

// initLimiter builds the in-process or Redis-backed limiter. The Redis
// client is returned so the caller can close it.
func initLimiter(ctx context.Context) (ratelimit.Limiter, *redis.Client, error) {
	def, limits := rateLimits()
	if cfg.RateLimit.Backend != "redis" {
		return ratelimit.NewRegistry(def, limits), nil, nil
	}
	rl, rdb, err := ratelimit.NewRedisLimiterFromURL(ctx, cfg.Redis.URL, def, limits)
	if err != nil {
		return nil, nil, eris.Wrap(err, "init redis limiter")
	}
	zap.L().Info("redis rate limiter enabled")
	return rl, rdb, nil
}

// initSender builds the send chain: each configured provider is guarded by
// the rate limiter and its own circuit breaker, retried, and the primary
// falls back to the secondary.
func initSender(ctx context.Context, limiter ratelimit.Limiter, breakers *resilience.ServiceBreakers) (provider.Sender, error) {
	defaults := provider.Defaults{From: cfg.Provider.From, ReplyTo: cfg.Provider.ReplyTo}

	build := func(name string) (provider.Sender, error) {
		var raw provider.Sender
		switch name {
		case "":
			return nil, nil
		case "ses":
			ses, err := provider.NewSESFromConfig(ctx, provider.SESConfig{
				Region:           cfg.Provider.SES.Region,
				AccessKey:        cfg.Provider.SES.AccessKeyID,
				SecretKey:        cfg.Provider.SES.SecretAccessKey,
				ConfigurationSet: cfg.Provider.SES.ConfigurationSet,
			}, defaults)
			if err != nil {
				return nil, err
			}
			raw = ses
		case "sparkpost":
			raw = provider.NewSparkPost(cfg.Provider.SparkPost.Key, defaults,
				provider.WithSparkPostBaseURL(cfg.Provider.SparkPost.BaseURL))
		default:
			return nil, eris.Errorf("unknown provider: %s", name)
		}
		guarded := provider.NewGuard(raw, limiter, name, breakers.Get(name), cfg.Provider.Timeout)
		return provider.WithRetry(guarded, retryConfig()), nil
	}

	primary, err := build(cfg.Provider.Primary)
	if err != nil {
		return nil, eris.Wrap(err, "init primary provider")
	}
	if primary == nil {
		return nil, eris.New("provider.primary is required")
	}
	if cfg.Provider.Fallback == "" || cfg.Provider.Fallback == cfg.Provider.Primary {
		return primary, nil
	}
	secondary, err := build(cfg.Provider.Fallback)
	if err != nil {
		return nil, eris.Wrap(err, "init fallback provider")
	}
	zap.L().Info("email providers configured",
		zap.String("primary", cfg.Provider.Primary),
		zap.String("fallback", cfg.Provider.Fallback),
	)
	return provider.NewFallback(primary, secondary), nil
}

// newBreakers returns the per-provider circuit breakers, logging every
// state change.
func newBreakers() *resilience.ServiceBreakers {
	circuit := resilience.FromCircuitConfig(cfg.Circuit.FailureThreshold, cfg.Circuit.ResetTimeoutMs)
	circuit.OnStateChange = provider.BreakerStateLogger()
	return resilience.NewServiceBreakers(circuit)
}

// initClassifier loads lead rules and, when enabled, the LLM refiner.
func initClassifier() (*classify.Classifier, error) {
	rules := classify.DefaultRules()
	if cfg.Ingest.RulesPath != "" {
		loaded, err := classify.LoadRulesFile(cfg.Ingest.RulesPath)
		if err != nil {
			return nil, eris.Wrap(err, "load classification rules")
		}
		rules = loaded
	}

	var refiner classify.Refiner
	if cfg.Anthropic.Refine {
		if cfg.Anthropic.Key == "" {
			return nil, eris.New("anthropic key is required for refinement (DISPATCH_ANTHROPIC_KEY)")
		}
		refiner = classify.NewLLMRefiner(anthropicpkg.NewClient(cfg.Anthropic.Key), cfg.Anthropic.Model)
		zap.L().Info("llm lead refinement enabled", zap.String("model", cfg.Anthropic.Model))
	}
	return classify.New(rules, refiner, cfg.Ingest.Sequences), nil
}

func initSalesforce() (sfpkg.Client, error) {
	if cfg.Salesforce.ClientID == "" {
		return nil, eris.New("salesforce client ID is required (DISPATCH_SALESFORCE_CLIENT_ID)")
	}

	pemData, err := os.ReadFile(cfg.Salesforce.KeyPath)
	if err != nil {
		return nil, eris.Wrap(err, "read salesforce JWT private key")
	}

	sf, err := salesforce.Init(salesforce.Creds{
		Domain:         cfg.Salesforce.LoginURL,
		Username:       cfg.Salesforce.Username,
		ConsumerKey:    cfg.Salesforce.ClientID,
		ConsumerRSAPem: string(pemData),
	})
	if err != nil {
		return nil, eris.Wrap(err, "init salesforce")
	}

	return sfpkg.NewClient(sf, sfpkg.WithRateLimit(cfg.Salesforce.RateLimit)), nil
}
