package config

import (
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
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Risk       RiskConfig       `yaml:"risk" mapstructure:"risk"`
	Breaker    BreakerConfig    `yaml:"breaker" mapstructure:"breaker"`
	Oracle     OracleConfig     `yaml:"oracle" mapstructure:"oracle"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Ledger     LedgerConfig     `yaml:"ledger" mapstructure:"ledger"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Tracing    TracingConfig    `yaml:"tracing" mapstructure:"tracing"`
}

// StoreConfig configures the database backend. DatabaseURL is a postgres
// connection string or a sqlite path.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	// RateLimit is requests per second per client IP; 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	RateBurst int     `yaml:"rate_burst" mapstructure:"rate_burst"`
	// CallbackSecret verifies X-Signature on provider callbacks.
	CallbackSecret string `yaml:"callback_secret" mapstructure:"callback_secret"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// RiskConfig holds escalation delays and manual-path policy.
type RiskConfig struct {
	ManualDelay           time.Duration `yaml:"manual_delay" mapstructure:"manual_delay"`
	EmergencyDelay        time.Duration `yaml:"emergency_delay" mapstructure:"emergency_delay"`
	DefaultMintRatio      int           `yaml:"default_mint_ratio" mapstructure:"default_mint_ratio"`
	DefaultMintConfidence int           `yaml:"default_mint_confidence" mapstructure:"default_mint_confidence"`
	Owner                 string        `yaml:"owner" mapstructure:"owner"`
	Processors            []string      `yaml:"processors" mapstructure:"processors"`
}

// BreakerConfig configures the submission circuit breaker.
type BreakerConfig struct {
	Threshold   int           `yaml:"threshold" mapstructure:"threshold"`
	ResetWindow time.Duration `yaml:"reset_window" mapstructure:"reset_window"`
	// Backend is "memory" (persisted through the store) or "redis".
	Backend  string `yaml:"backend" mapstructure:"backend"`
	RedisURL string `yaml:"redis_url" mapstructure:"redis_url"`
	RedisKey string `yaml:"redis_key" mapstructure:"redis_key"`
}

// OracleConfig configures the assessment provider boundary.
type OracleConfig struct {
	// Provider is "none", "anthropic" or "webhook".
	Provider    string        `yaml:"provider" mapstructure:"provider"`
	RatePerSec  float64       `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst       int           `yaml:"burst" mapstructure:"burst"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
	WebhookURL  string        `yaml:"webhook_url" mapstructure:"webhook_url"`
	CallbackURL string        `yaml:"callback_url" mapstructure:"callback_url"`
	Secret      string        `yaml:"secret" mapstructure:"secret"`
	Retry       RetryConfig   `yaml:"retry" mapstructure:"retry"`
}

// RetryConfig mirrors resilience.RetryConfig for file/env configuration.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction float64       `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// LedgerConfig configures finalize notifications.
type LedgerConfig struct {
	// Driver is "log" or "webhook".
	Driver     string        `yaml:"driver" mapstructure:"driver"`
	WebhookURL string        `yaml:"webhook_url" mapstructure:"webhook_url"`
	Secret     string        `yaml:"secret" mapstructure:"secret"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// MonitoringConfig configures the stuck-record and breaker monitor.
type MonitoringConfig struct {
	Enabled             bool          `yaml:"enabled" mapstructure:"enabled"`
	Interval            time.Duration `yaml:"interval" mapstructure:"interval"`
	StuckAlertThreshold int           `yaml:"stuck_alert_threshold" mapstructure:"stuck_alert_threshold"`
	FailureLookback     int           `yaml:"failure_lookback" mapstructure:"failure_lookback"`
	WebhookURL          string        `yaml:"webhook_url" mapstructure:"webhook_url"`
	// RepeatInterval is how long an unchanged alert stays quiet after it
	// was sent.
	RepeatInterval time.Duration `yaml:"repeat_interval" mapstructure:"repeat_interval"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Output  string `yaml:"output" mapstructure:"output"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RISK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.rate_limit", 20)
	v.SetDefault("server.rate_burst", 40)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("risk.manual_delay", "30m")
	v.SetDefault("risk.emergency_delay", "2h")
	v.SetDefault("risk.default_mint_ratio", 16000)
	v.SetDefault("risk.default_mint_confidence", 75)
	v.SetDefault("breaker.threshold", 5)
	v.SetDefault("breaker.reset_window", "1h")
	v.SetDefault("breaker.backend", "memory")
	v.SetDefault("breaker.redis_key", "risk-oracle:breaker")
	v.SetDefault("oracle.provider", "none")
	v.SetDefault("oracle.rate_per_sec", 2)
	v.SetDefault("oracle.burst", 1)
	v.SetDefault("oracle.timeout", "2m")
	v.SetDefault("oracle.retry.max_attempts", 3)
	v.SetDefault("oracle.retry.initial_backoff", "500ms")
	v.SetDefault("oracle.retry.max_backoff", "30s")
	v.SetDefault("oracle.retry.multiplier", 2.0)
	v.SetDefault("oracle.retry.jitter_fraction", 0.25)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 256)
	v.SetDefault("ledger.driver", "log")
	v.SetDefault("ledger.timeout", "15s")
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.interval", "5m")
	v.SetDefault("monitoring.stuck_alert_threshold", 1)
	v.SetDefault("monitoring.failure_lookback", 20)
	v.SetDefault("monitoring.repeat_interval", "1h")
	v.SetDefault("tracing.enabled", false)

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

// Validate checks the settings a command needs. mode is "serve" for the
// long-running server, "admin" for one-shot commands that read or act on
// existing requests, and "store" for commands that only touch the schema.
// Admin commands run in their own process, so they need a persistent
// store but no provider credentials.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
		errs = append(errs, c.validateRisk()...)
		errs = append(errs, c.validateBreaker()...)
		errs = append(errs, c.validateOracle()...)
		errs = append(errs, c.validateLedger()...)
		if c.Monitoring.Enabled && c.Monitoring.Interval <= 0 {
			errs = append(errs, "monitoring.interval must be > 0")
		}
	case "admin":
		if c.Store.Driver == "memory" {
			errs = append(errs, "store.driver memory keeps no state between commands, use sqlite or postgres")
		}
		errs = append(errs, c.validateRisk()...)
		errs = append(errs, c.validateBreaker()...)
		errs = append(errs, c.validateLedger()...)
	case "store":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}
	errs = append(errs, c.validateStore()...)

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	switch c.Store.Driver {
	case "memory":
		return nil
	case "sqlite", "postgres":
		if c.Store.DatabaseURL == "" {
			return []string{"store.database_url is required for driver " + c.Store.Driver}
		}
		return nil
	default:
		return []string{"store.driver must be memory, sqlite or postgres"}
	}
}

func (c *Config) validateRisk() []string {
	var errs []string
	if c.Risk.ManualDelay <= 0 {
		errs = append(errs, "risk.manual_delay must be > 0")
	}
	if c.Risk.EmergencyDelay < c.Risk.ManualDelay {
		errs = append(errs, "risk.emergency_delay must be >= risk.manual_delay")
	}
	if c.Risk.DefaultMintRatio < 10000 || c.Risk.DefaultMintRatio > 17000 {
		errs = append(errs, "risk.default_mint_ratio must be between 10000 and 17000")
	}
	if c.Risk.DefaultMintConfidence < 0 || c.Risk.DefaultMintConfidence > 100 {
		errs = append(errs, "risk.default_mint_confidence must be between 0 and 100")
	}
	return errs
}

func (c *Config) validateBreaker() []string {
	var errs []string
	if c.Breaker.Threshold <= 0 {
		errs = append(errs, "breaker.threshold must be > 0")
	}
	if c.Breaker.ResetWindow <= 0 {
		errs = append(errs, "breaker.reset_window must be > 0")
	}
	switch c.Breaker.Backend {
	case "memory":
	case "redis":
		if c.Breaker.RedisURL == "" {
			errs = append(errs, "breaker.redis_url is required for backend redis")
		}
	default:
		errs = append(errs, "breaker.backend must be memory or redis")
	}
	return errs
}

func (c *Config) validateOracle() []string {
	var errs []string
	switch c.Oracle.Provider {
	case "none":
	case "anthropic":
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required for provider anthropic")
		}
	case "webhook":
		if c.Oracle.WebhookURL == "" {
			errs = append(errs, "oracle.webhook_url is required for provider webhook")
		}
	default:
		errs = append(errs, "oracle.provider must be none, anthropic or webhook")
	}
	if c.Oracle.Provider != "none" && c.Oracle.RatePerSec <= 0 {
		errs = append(errs, "oracle.rate_per_sec must be > 0")
	}
	return errs
}

func (c *Config) validateLedger() []string {
	switch c.Ledger.Driver {
	case "log":
		return nil
	case "webhook":
		if c.Ledger.WebhookURL == "" {
			return []string{"ledger.webhook_url is required for driver webhook"}
		}
		return nil
	default:
		return []string{"ledger.driver must be log or webhook"}
	}
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
