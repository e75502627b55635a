package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Dispatch   DispatchConfig   `yaml:"dispatch" mapstructure:"dispatch"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit" mapstructure:"ratelimit"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Sequence   SequenceConfig   `yaml:"sequence" mapstructure:"sequence"`
	Provider   ProviderConfig   `yaml:"provider" mapstructure:"provider"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Salesforce SalesforceConfig `yaml:"salesforce" mapstructure:"salesforce"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Notion     NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port         int      `yaml:"port" mapstructure:"port"`
	CORSOrigins  []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	MaxBodyBytes int64    `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	RunSweeper   bool     `yaml:"run_sweeper" mapstructure:"run_sweeper"`
}

// DispatchConfig paces wave sends.
type DispatchConfig struct {
	WaveSize           int           `yaml:"wave_size" mapstructure:"wave_size"`
	WaveDelay          time.Duration `yaml:"wave_delay" mapstructure:"wave_delay"`
	ConcurrencyPerWave int           `yaml:"concurrency_per_wave" mapstructure:"concurrency_per_wave"`
	IntraWaveDelay     time.Duration `yaml:"intra_wave_delay" mapstructure:"intra_wave_delay"`
}

// RateLimitConfig configures provider rate limits. Backend is "memory" or
// "redis".
type RateLimitConfig struct {
	Backend  string              `yaml:"backend" mapstructure:"backend"`
	Requests int                 `yaml:"requests" mapstructure:"requests"`
	Window   time.Duration       `yaml:"window" mapstructure:"window"`
	Keys     map[string]KeyLimit `yaml:"keys" mapstructure:"keys"`
}

// KeyLimit overrides the default limit for one key.
type KeyLimit struct {
	Requests int           `yaml:"requests" mapstructure:"requests"`
	Window   time.Duration `yaml:"window" mapstructure:"window"`
}

// RetryConfig configures retry of provider calls.
type RetryConfig struct {
	MaxRetries     int     `yaml:"max_retries" mapstructure:"max_retries"`
	InitialDelayMs int     `yaml:"initial_delay_ms" mapstructure:"initial_delay_ms"`
	MaxDelayMs     int     `yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
	Factor         float64 `yaml:"factor" mapstructure:"factor"`
	JitterFraction float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures per-provider circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutMs   int `yaml:"reset_timeout_ms" mapstructure:"reset_timeout_ms"`
}

// SequenceConfig configures enrollment and the sweep.
type SequenceConfig struct {
	File             string        `yaml:"file" mapstructure:"file"`
	SweepInterval    time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	SweepBatchSize   int           `yaml:"sweep_batch_size" mapstructure:"sweep_batch_size"`
	EnrollThreshold  int           `yaml:"enroll_threshold" mapstructure:"enroll_threshold"`
	MaxStepAttempts  int           `yaml:"max_step_attempts" mapstructure:"max_step_attempts"`
	ConditionRecheck time.Duration `yaml:"condition_recheck" mapstructure:"condition_recheck"`
}

// ProviderConfig selects and configures the email transports.
type ProviderConfig struct {
	Primary   string          `yaml:"primary" mapstructure:"primary"`
	Fallback  string          `yaml:"fallback" mapstructure:"fallback"`
	From      string          `yaml:"from" mapstructure:"from"`
	ReplyTo   string          `yaml:"reply_to" mapstructure:"reply_to"`
	Timeout   time.Duration   `yaml:"timeout" mapstructure:"timeout"`
	SES       SESConfig       `yaml:"ses" mapstructure:"ses"`
	SparkPost SparkPostConfig `yaml:"sparkpost" mapstructure:"sparkpost"`
}

// SESConfig holds Amazon SES settings.
type SESConfig struct {
	Region           string `yaml:"region" mapstructure:"region"`
	AccessKeyID      string `yaml:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey  string `yaml:"secret_access_key" mapstructure:"secret_access_key"`
	ConfigurationSet string `yaml:"configuration_set" mapstructure:"configuration_set"`
}

// SparkPostConfig holds SparkPost API settings.
type SparkPostConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// RedisConfig holds the Redis connection for the shared rate limiter.
type RedisConfig struct {
	URL    string `yaml:"url" mapstructure:"url"`
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
}

// SalesforceConfig holds Salesforce JWT auth settings.
type SalesforceConfig struct {
	ClientID      string  `yaml:"client_id" mapstructure:"client_id"`
	Username      string  `yaml:"username" mapstructure:"username"`
	KeyPath       string  `yaml:"key_path" mapstructure:"key_path"`
	LoginURL      string  `yaml:"login_url" mapstructure:"login_url"`
	LeadTypeField string  `yaml:"lead_type_field" mapstructure:"lead_type_field"`
	RateLimit     float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// AnthropicConfig holds Anthropic API settings for lead type refinement.
type AnthropicConfig struct {
	Key    string `yaml:"key" mapstructure:"key"`
	Model  string `yaml:"model" mapstructure:"model"`
	Refine bool   `yaml:"refine" mapstructure:"refine"`
}

// NotionConfig holds Notion API credentials for the lead queue.
type NotionConfig struct {
	Token     string  `yaml:"token" mapstructure:"token"`
	LeadDB    string  `yaml:"lead_db" mapstructure:"lead_db"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// PerplexityConfig enables email lookup for leads that arrive without one.
type PerplexityConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// IngestConfig configures ingestion runs.
type IngestConfig struct {
	Concurrency  int               `yaml:"concurrency" mapstructure:"concurrency"`
	AutoEnroll   bool              `yaml:"auto_enroll" mapstructure:"auto_enroll"`
	RulesPath    string            `yaml:"rules_path" mapstructure:"rules_path"`
	Sequences    map[string]string `yaml:"sequences" mapstructure:"sequences"`
	MaxFileBytes int64             `yaml:"max_file_bytes" mapstructure:"max_file_bytes"`
	FetchTimeout time.Duration     `yaml:"fetch_timeout" mapstructure:"fetch_timeout"`
}

// MonitoringConfig configures background health alerts. Alerts are only
// checked when WebhookURL is set.
type MonitoringConfig struct {
	WebhookURL           string        `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckInterval        time.Duration `yaml:"check_interval" mapstructure:"check_interval"`
	Lookback             time.Duration `yaml:"lookback" mapstructure:"lookback"`
	FailureRateThreshold float64       `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	RejectRateThreshold  float64       `yaml:"reject_rate_threshold" mapstructure:"reject_rate_threshold"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.max_body_bytes", 10<<20)
	v.SetDefault("server.run_sweeper", true)
	v.SetDefault("dispatch.wave_size", 75)
	v.SetDefault("dispatch.wave_delay", time.Minute)
	v.SetDefault("dispatch.concurrency_per_wave", 10)
	v.SetDefault("dispatch.intra_wave_delay", 2*time.Second)
	v.SetDefault("ratelimit.backend", "memory")
	v.SetDefault("ratelimit.requests", 100)
	v.SetDefault("ratelimit.window", time.Minute)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.initial_delay_ms", 1000)
	v.SetDefault("retry.max_delay_ms", 30000)
	v.SetDefault("retry.factor", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.0)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_ms", 60000)
	v.SetDefault("sequence.sweep_interval", time.Hour)
	v.SetDefault("sequence.sweep_batch_size", 100)
	v.SetDefault("sequence.enroll_threshold", 65)
	v.SetDefault("sequence.max_step_attempts", 5)
	v.SetDefault("sequence.condition_recheck", time.Hour)
	v.SetDefault("provider.primary", "ses")
	v.SetDefault("provider.fallback", "sparkpost")
	v.SetDefault("provider.timeout", 30*time.Second)
	v.SetDefault("provider.ses.region", "us-east-1")
	v.SetDefault("provider.ses.access_key_id", "")
	v.SetDefault("provider.ses.secret_access_key", "")
	v.SetDefault("provider.sparkpost.key", "")
	v.SetDefault("provider.sparkpost.base_url", "https://api.sparkpost.com/api/v1")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.prefix", "dispatch:ratelimit")
	v.SetDefault("salesforce.client_id", "")
	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("salesforce.lead_type_field", "Lead_Type__c")
	v.SetDefault("salesforce.rate_limit", 25.0)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5")
	v.SetDefault("anthropic.refine", false)
	v.SetDefault("notion.token", "")
	v.SetDefault("notion.rate_limit", 3.0)
	v.SetDefault("perplexity.key", "")
	v.SetDefault("perplexity.model", "sonar")
	v.SetDefault("ingest.concurrency", 5)
	v.SetDefault("ingest.auto_enroll", true)
	v.SetDefault("ingest.max_file_bytes", 50<<20)
	v.SetDefault("ingest.fetch_timeout", 2*time.Minute)
	v.SetDefault("ingest.sequences", map[string]string{
		"priority_donor": "welcome",
		"warm_prospect":  "welcome",
		"cold_nurture":   "welcome",
	})
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval", 5*time.Minute)
	v.SetDefault("monitoring.lookback", 24*time.Hour)
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.reject_rate_threshold", 0.5)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode needs. Modes are "serve",
// "sweep", "import" and "dispatch". All problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for postgres")
		}
	case "sqlite":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required (sqlite file path)")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown store.driver %q", c.Store.Driver))
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
		errs = append(errs, c.validateSending()...)
		if c.Monitoring.WebhookURL != "" {
			if r := c.Monitoring.FailureRateThreshold; r < 0 || r > 1 {
				errs = append(errs, "monitoring.failure_rate_threshold must be within 0-1")
			}
			if r := c.Monitoring.RejectRateThreshold; r < 0 || r > 1 {
				errs = append(errs, "monitoring.reject_rate_threshold must be within 0-1")
			}
		}
	case "sweep", "dispatch":
		errs = append(errs, c.validateSending()...)
	case "import":
		if c.Ingest.Concurrency < 1 {
			errs = append(errs, "ingest.concurrency must be >= 1")
		}
		if c.Anthropic.Refine && c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required when anthropic.refine is set")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Sequence.EnrollThreshold < 0 || c.Sequence.EnrollThreshold > 100 {
		errs = append(errs, "sequence.enroll_threshold must be within 0-100")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateSending() []string {
	var errs []string
	if c.Dispatch.WaveSize < 1 {
		errs = append(errs, "dispatch.wave_size must be >= 1")
	}
	if c.Dispatch.ConcurrencyPerWave < 1 {
		errs = append(errs, "dispatch.concurrency_per_wave must be >= 1")
	}
	if c.Dispatch.WaveDelay < 0 || c.Dispatch.IntraWaveDelay < 0 {
		errs = append(errs, "dispatch delays must not be negative")
	}
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.Redis.URL == "" {
			errs = append(errs, "redis.url is required for the redis rate limiter")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown ratelimit.backend %q", c.RateLimit.Backend))
	}
	if c.Provider.From == "" {
		errs = append(errs, "provider.from is required")
	}
	for _, name := range []string{c.Provider.Primary, c.Provider.Fallback} {
		switch name {
		case "", "ses", "sparkpost":
		default:
			errs = append(errs, fmt.Sprintf("unknown provider %q", name))
		}
	}
	if c.Provider.Primary == "" {
		errs = append(errs, "provider.primary is required")
	}
	if c.usesProvider("sparkpost") && c.Provider.SparkPost.Key == "" {
		errs = append(errs, "provider.sparkpost.key is required")
	}
	return errs
}

func (c *Config) usesProvider(name string) bool {
	return c.Provider.Primary == name || c.Provider.Fallback == name
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
