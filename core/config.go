package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration object for a governance-core process.
// Values are layered defaults -> YAML config file (GOVCORE_CONFIG_FILE) ->
// environment variables -> functional options, in that priority order,
// mirroring the teacher framework's NewConfig flow.
type Config struct {
	ServiceName string `json:"service_name" yaml:"service_name" env:"GOVCORE_SERVICE_NAME" default:"governance-core"`
	Environment string `json:"environment" yaml:"environment" env:"GOVCORE_ENV" default:"development"`

	Redis      RedisConfig      `json:"redis" yaml:"redis"`
	HTTP       HTTPConfig       `json:"http" yaml:"http"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Telemetry  TelemetryConfig  `json:"telemetry" yaml:"telemetry"`
	Sandbox    SandboxConfig    `json:"sandbox" yaml:"sandbox"`
	KeyPool    KeyPoolConfig    `json:"keypool" yaml:"keypool"`
	Hierarchy  HierarchyConfig  `json:"hierarchy" yaml:"hierarchy"`

	logger Logger `json:"-" yaml:"-"`
}

// RedisConfig configures the Redis client backing the message bus (C3) and
// semantic context store (C4).
type RedisConfig struct {
	URL          string        `json:"url" yaml:"url" env:"GOVCORE_REDIS_URL" default:"redis://localhost:6379/0"`
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout" env:"GOVCORE_REDIS_DIAL_TIMEOUT" default:"5s"`
	PoolSize     int           `json:"pool_size" yaml:"pool_size" env:"GOVCORE_REDIS_POOL_SIZE" default:"20"`
	InboxMaxLen  int64         `json:"inbox_max_len" yaml:"inbox_max_len" env:"GOVCORE_REDIS_INBOX_MAXLEN" default:"1000"`
}

// HTTPConfig configures the thin inbound HTTP/WebSocket surface (§6.1).
type HTTPConfig struct {
	Address         string        `json:"address" yaml:"address" env:"GOVCORE_HTTP_ADDRESS" default:"0.0.0.0"`
	Port            int           `json:"port" yaml:"port" env:"GOVCORE_HTTP_PORT" default:"8090"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout" env:"GOVCORE_HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout" env:"GOVCORE_HTTP_WRITE_TIMEOUT" default:"15s"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" env:"GOVCORE_HTTP_SHUTDOWN_TIMEOUT" default:"10s"`
}

// LoggingConfig configures the StructuredLogger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"GOVCORE_LOG_LEVEL" default:"info"`
	Format string `json:"format" yaml:"format" env:"GOVCORE_LOG_FORMAT" default:"json"`
}

// TelemetryConfig configures the OpenTelemetry exporter.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" env:"GOVCORE_OTEL_ENABLED" default:"false"`
	Endpoint string `json:"endpoint" yaml:"endpoint" env:"GOVCORE_OTEL_ENDPOINT"`
	Insecure bool   `json:"insecure" yaml:"insecure" env:"GOVCORE_OTEL_INSECURE" default:"true"`
}

// SandboxConfig configures the Docker-backed sandbox manager (C11).
type SandboxConfig struct {
	Image          string        `json:"image" yaml:"image" env:"GOVCORE_SANDBOX_IMAGE" default:"governance-sandbox:latest"`
	MemoryLimitMB  int64         `json:"memory_limit_mb" yaml:"memory_limit_mb" env:"GOVCORE_SANDBOX_MEMORY_MB" default:"256"`
	NanoCPUs       int64         `json:"nano_cpus" yaml:"nano_cpus" env:"GOVCORE_SANDBOX_NANO_CPUS" default:"500000000"`
	Timeout        time.Duration `json:"timeout" yaml:"timeout" env:"GOVCORE_SANDBOX_TIMEOUT" default:"30s"`
	NetworkDisable bool          `json:"network_disabled" yaml:"network_disabled" env:"GOVCORE_SANDBOX_NETWORK_DISABLED" default:"true"`
}

// KeyPoolConfig configures API key failover and budget enforcement (C7).
type KeyPoolConfig struct {
	CooldownPeriod    time.Duration `json:"cooldown_period" yaml:"cooldown_period" env:"GOVCORE_KEYPOOL_COOLDOWN" default:"60s"`
	MaxFailuresBeforeCooldown int   `json:"max_failures" yaml:"max_failures" env:"GOVCORE_KEYPOOL_MAX_FAILURES" default:"3"`
	MonthlyBudgetUSD  float64       `json:"monthly_budget_usd" yaml:"monthly_budget_usd" env:"GOVCORE_KEYPOOL_MONTHLY_BUDGET_USD" default:"500"`
}

// HierarchyConfig bounds the tier/hop-count model (C1/C2).
type HierarchyConfig struct {
	MaxHopCount int `json:"max_hop_count" yaml:"max_hop_count" env:"GOVCORE_MAX_HOP_COUNT" default:"5"`
}

// Option mutates a Config during NewConfig and can reject invalid values.
type Option func(*Config) error

// DefaultConfig returns a Config populated with the struct tag defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "governance-core",
		Environment: "development",
		Redis: RedisConfig{
			URL:         "redis://localhost:6379/0",
			DialTimeout: 5 * time.Second,
			PoolSize:    20,
			InboxMaxLen: 1000,
		},
		HTTP: HTTPConfig{
			Address:         "0.0.0.0",
			Port:            8090,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:  false,
			Insecure: true,
		},
		Sandbox: SandboxConfig{
			Image:          "governance-sandbox:latest",
			MemoryLimitMB:  256,
			NanoCPUs:       500_000_000,
			Timeout:        30 * time.Second,
			NetworkDisable: true,
		},
		KeyPool: KeyPoolConfig{
			CooldownPeriod:            60 * time.Second,
			MaxFailuresBeforeCooldown: 3,
			MonthlyBudgetUSD:          500,
		},
		Hierarchy: HierarchyConfig{
			MaxHopCount: 5,
		},
	}
}

// LoadFromFile overlays a YAML config file onto the existing config values.
// Only keys present in the file are touched, so a partial file still
// inherits DefaultConfig for everything it omits.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return WrapID("Config.LoadFromFile", "config", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return WrapID("Config.LoadFromFile", "config", path, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err))
	}
	return nil
}

// LoadFromEnv overlays environment variables onto the existing config
// values, skipping anything unset so defaults and earlier layers survive.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("GOVCORE_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	if v := os.Getenv("GOVCORE_ENV"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("GOVCORE_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("GOVCORE_REDIS_DIAL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return WrapID("Config.LoadFromEnv", "config", "GOVCORE_REDIS_DIAL_TIMEOUT", err)
		}
		c.Redis.DialTimeout = d
	}
	if v := os.Getenv("GOVCORE_REDIS_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return WrapID("Config.LoadFromEnv", "config", "GOVCORE_REDIS_POOL_SIZE", err)
		}
		c.Redis.PoolSize = n
	}
	if v := os.Getenv("GOVCORE_HTTP_ADDRESS"); v != "" {
		c.HTTP.Address = v
	}
	if v := os.Getenv("GOVCORE_HTTP_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return WrapID("Config.LoadFromEnv", "config", "GOVCORE_HTTP_PORT", err)
		}
		c.HTTP.Port = n
	}
	if v := os.Getenv("GOVCORE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("GOVCORE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("GOVCORE_OTEL_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return WrapID("Config.LoadFromEnv", "config", "GOVCORE_OTEL_ENABLED", err)
		}
		c.Telemetry.Enabled = b
	}
	if v := os.Getenv("GOVCORE_OTEL_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("GOVCORE_SANDBOX_IMAGE"); v != "" {
		c.Sandbox.Image = v
	}
	if v := os.Getenv("GOVCORE_SANDBOX_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return WrapID("Config.LoadFromEnv", "config", "GOVCORE_SANDBOX_TIMEOUT", err)
		}
		c.Sandbox.Timeout = d
	}
	if v := os.Getenv("GOVCORE_KEYPOOL_MONTHLY_BUDGET_USD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return WrapID("Config.LoadFromEnv", "config", "GOVCORE_KEYPOOL_MONTHLY_BUDGET_USD", err)
		}
		c.KeyPool.MonthlyBudgetUSD = f
	}
	if v := os.Getenv("GOVCORE_MAX_HOP_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return WrapID("Config.LoadFromEnv", "config", "GOVCORE_MAX_HOP_COUNT", err)
		}
		c.Hierarchy.MaxHopCount = n
	}
	return nil
}

// NewConfig builds a Config: defaults, then an optional YAML config file
// (GOVCORE_CONFIG_FILE), then environment overlay, then functional options
// (highest priority), then validation.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("GOVCORE_CONFIG_FILE"); path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if cfg.logger == nil {
		cfg.logger = NewStructuredLogger(cfg.ServiceName, cfg.Logging.Level, cfg.Logging.Format)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Logger returns the configured root logger, building one from Logging if
// none was set via WithLogger.
func (c *Config) Logger() Logger {
	if c.logger == nil {
		return NewStructuredLogger(c.ServiceName, c.Logging.Level, c.Logging.Format)
	}
	return c.logger
}

// Validate rejects configurations that would fail at startup rather than
// letting a malformed value surface as a confusing runtime error later.
func (c *Config) Validate() error {
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return WrapID("Config.Validate", "config", "http.port", fmt.Errorf("%w: %d", ErrInvalidConfiguration, c.HTTP.Port))
	}
	if c.Hierarchy.MaxHopCount < 1 {
		return WrapID("Config.Validate", "config", "hierarchy.max_hop_count", fmt.Errorf("%w: must be >= 1", ErrInvalidConfiguration))
	}
	if c.KeyPool.MonthlyBudgetUSD < 0 {
		return WrapID("Config.Validate", "config", "keypool.monthly_budget_usd", fmt.Errorf("%w: must be >= 0", ErrInvalidConfiguration))
	}
	if c.Sandbox.MemoryLimitMB < 1 {
		return WrapID("Config.Validate", "config", "sandbox.memory_limit_mb", fmt.Errorf("%w: must be >= 1", ErrInvalidConfiguration))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return WrapID("Config.Validate", "config", "logging.format", fmt.Errorf("%w: %q", ErrInvalidConfiguration, c.Logging.Format))
	}
	return nil
}

// WithServiceName sets the service name used in logs and telemetry.
func WithServiceName(name string) Option {
	return func(c *Config) error {
		c.ServiceName = name
		return nil
	}
}

// WithRedisURL overrides the Redis connection string.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.Redis.URL = url
		return nil
	}
}

// WithHTTPPort overrides the inbound HTTP/WebSocket port.
func WithHTTPPort(port int) Option {
	return func(c *Config) error {
		if port < 1 || port > 65535 {
			return WrapID("WithHTTPPort", "config", "http.port", fmt.Errorf("%w: %d", ErrInvalidConfiguration, port))
		}
		c.HTTP.Port = port
		return nil
	}
}

// WithLogger injects a pre-built logger, bypassing Logging-based construction.
func WithLogger(l Logger) Option {
	return func(c *Config) error {
		c.logger = l
		return nil
	}
}

// WithLogLevel overrides the log level ("debug", "info", "warn", "error").
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithMonthlyBudgetUSD overrides the API-key pool's monthly spend ceiling.
func WithMonthlyBudgetUSD(usd float64) Option {
	return func(c *Config) error {
		if usd < 0 {
			return WrapID("WithMonthlyBudgetUSD", "config", "keypool.monthly_budget_usd", fmt.Errorf("%w: must be >= 0", ErrInvalidConfiguration))
		}
		c.KeyPool.MonthlyBudgetUSD = usd
		return nil
	}
}

// WithMaxHopCount overrides the routing loop-prevention hop cap (default 5).
func WithMaxHopCount(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return WrapID("WithMaxHopCount", "config", "hierarchy.max_hop_count", fmt.Errorf("%w: must be >= 1", ErrInvalidConfiguration))
		}
		c.Hierarchy.MaxHopCount = n
		return nil
	}
}

// WithSandboxImage overrides the Docker image used for ephemeral execution.
func WithSandboxImage(image string) Option {
	return func(c *Config) error {
		c.Sandbox.Image = image
		return nil
	}
}
