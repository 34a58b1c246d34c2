package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider kinds understood by the connector factory.
const (
	ProviderCommercial = "commercial"
	ProviderDirect     = "direct"
	ProviderSandbox    = "sandbox"
)

// Connector environments.
const (
	EnvironmentSandbox    = "sandbox"
	EnvironmentProduction = "production"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Gateway       GatewayConfig       `mapstructure:"gateway"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Connectors    []ConnectorConfig   `mapstructure:"connectors"`
	InstanceID    string              `mapstructure:"instance_id"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SSLMode         string        `mapstructure:"ssl_mode"`
}

type RedisConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	DB                int           `mapstructure:"db"`
	Password          string        `mapstructure:"password"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	EnableMetrics  bool   `mapstructure:"enable_metrics"`
	EnableTracing  bool   `mapstructure:"enable_tracing"`
}

// GatewayConfig tunes the registry, the monitor and the HTTP surface.
type GatewayConfig struct {
	DefaultConnector    string        `mapstructure:"default_connector"`
	HealthTimeout       time.Duration `mapstructure:"health_timeout"`
	CertWarnDays        int           `mapstructure:"cert_warn_days"`
	MonitorInterval     time.Duration `mapstructure:"monitor_interval"`
	WebhookStream       string        `mapstructure:"webhook_stream"`
	TransmissionStream  string        `mapstructure:"transmission_stream"`
	AlertStream         string        `mapstructure:"alert_stream"`
	RegistrationLockTTL time.Duration `mapstructure:"registration_lock_ttl"`
	ReceiptTTL          time.Duration `mapstructure:"receipt_ttl"`
	IdempotencyTTL      time.Duration `mapstructure:"idempotency_ttl"`
	WebhookRateLimit    int           `mapstructure:"webhook_rate_limit"`
	MaxDocumentBytes    int64         `mapstructure:"max_document_bytes"`
	Breaker             BreakerConfig `mapstructure:"breaker"`
}

// WorkerConfig tunes the background worker.
type WorkerConfig struct {
	ConsumerGroup   string        `mapstructure:"consumer_group"`
	BatchSize       int64         `mapstructure:"batch_size"`
	BlockDuration   time.Duration `mapstructure:"block_duration"`
	StreamMaxLen    int64         `mapstructure:"stream_max_len"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// BreakerConfig configures the per-connector circuit breaker.
type BreakerConfig struct {
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MinRequests  uint32        `mapstructure:"min_requests"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
}

// RetryConfig is the per-connector retry budget. MaxAttempts counts the
// first attempt.
type RetryConfig struct {
	MaxAttempts  uint          `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	// Jitter is the ±fraction applied to each delay. Zero means the
	// default of 0.2; a negative value disables jitter.
	Jitter       float64       `mapstructure:"jitter"`
}

// ConnectorConfig describes one connector instance. It is copied into the
// connector at construction and never mutated afterwards.
type ConnectorConfig struct {
	ID          string        `mapstructure:"id"`
	Name        string        `mapstructure:"name"`
	Provider    string        `mapstructure:"provider"`
	Environment string        `mapstructure:"environment"`
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Retry       RetryConfig   `mapstructure:"retry"`

	APIKey   string `mapstructure:"api_key"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
	CAFile   string `mapstructure:"ca_file"`

	SMPURL      string `mapstructure:"smp_url"`
	SMLDomain   string `mapstructure:"sml_domain"`
	DNSServer   string `mapstructure:"dns_server"`
	EndpointURL string `mapstructure:"endpoint_url"`
	PartyID     string `mapstructure:"party_id"`

	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	ErrorRate         float64       `mapstructure:"error_rate"`
	Latency           time.Duration `mapstructure:"latency"`
	Seed              int64         `mapstructure:"seed"`
	CertWarnDays      int           `mapstructure:"cert_warn_days"`
}

// IsSandbox reports whether the connector talks to a test network.
func (c ConnectorConfig) IsSandbox() bool {
	return c.Environment != EnvironmentProduction
}

// WithDefaults fills unset tuning values.
func (c ConnectorConfig) WithDefaults() ConnectorConfig {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if c.Name == "" {
		c.Name = c.ID
	}
	if c.Environment == "" {
		c.Environment = EnvironmentSandbox
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	switch {
	case c.Retry.Jitter == 0:
		c.Retry.Jitter = 0.2
	case c.Retry.Jitter < 0:
		c.Retry.Jitter = 0
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = 500 * time.Millisecond
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 10 * time.Second
	}
	if c.Retry.Multiplier < 1 {
		c.Retry.Multiplier = 2
	}
	if c.SMLDomain == "" {
		if c.IsSandbox() {
			c.SMLDomain = "acc.edelivery.tech.ec.europa.eu"
		} else {
			c.SMLDomain = "edelivery.tech.ec.europa.eu"
		}
	}
	if c.CertWarnDays <= 0 {
		c.CertWarnDays = 30
	}
	return c
}

// Validate checks a single connector config. Unknown providers are not an
// error here; the factory falls back to the sandbox for them.
func (c ConnectorConfig) Validate() error {
	var errs []error
	key := "connectors[" + c.ID + "]"

	if c.ID == "" {
		errs = append(errs, fmt.Errorf("connectors.id is required"))
	}
	if c.Environment != "" && c.Environment != EnvironmentSandbox && c.Environment != EnvironmentProduction {
		errs = append(errs, fmt.Errorf("%s.environment must be sandbox or production, got %q", key, c.Environment))
	}
	if c.ErrorRate < 0 || c.ErrorRate > 1 {
		errs = append(errs, fmt.Errorf("%s.error_rate must be between 0 and 1, got %v", key, c.ErrorRate))
	}
	if c.Retry.Jitter > 1 {
		errs = append(errs, fmt.Errorf("%s.retry.jitter must not exceed 1, got %v", key, c.Retry.Jitter))
	}
	if c.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("%s.requests_per_second must not be negative", key))
	}

	switch strings.ToLower(c.Provider) {
	case ProviderCommercial:
		if c.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s.base_url is required for commercial connectors", key))
		}
		if c.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s.api_key is required for commercial connectors", key))
		}
	case ProviderDirect:
		if c.CertFile == "" || c.KeyFile == "" {
			errs = append(errs, fmt.Errorf("%s.cert_file and key_file are required for direct connectors", key))
		}
	}

	return errors.Join(errs...)
}

func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from environment variables
	v.SetEnvPrefix("APGATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read from config file if exists
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/apgateway")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.normalizeConnectors()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// normalizeConnectors guarantees at least one connector and a default id.
func (c *Config) normalizeConnectors() {
	if len(c.Connectors) == 0 {
		c.Connectors = []ConnectorConfig{{ID: "sandbox", Provider: ProviderSandbox}}
	}
	for i := range c.Connectors {
		c.Connectors[i] = c.Connectors[i].WithDefaults()
	}
	if c.Gateway.DefaultConnector == "" {
		c.Gateway.DefaultConnector = c.Connectors[0].ID
	}
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.read_timeout must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.write_timeout must be positive"))
	}
	if c.Database.Host == "" {
		errs = append(errs, fmt.Errorf("database.host is required"))
	}
	if c.Database.Port <= 0 {
		errs = append(errs, fmt.Errorf("database.port must be positive"))
	}
	if c.Redis.Port <= 0 {
		errs = append(errs, fmt.Errorf("redis.port must be positive"))
	}
	if c.Gateway.HealthTimeout <= 0 {
		errs = append(errs, fmt.Errorf("gateway.health_timeout must be positive"))
	}
	if c.Gateway.MonitorInterval <= 0 {
		errs = append(errs, fmt.Errorf("gateway.monitor_interval must be positive"))
	}
	if c.Gateway.RegistrationLockTTL <= 0 {
		errs = append(errs, fmt.Errorf("gateway.registration_lock_ttl must be positive"))
	}
	if c.Worker.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("worker.batch_size must be positive"))
	}
	if c.Worker.CleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("worker.cleanup_interval must be positive"))
	}
	if c.Gateway.Breaker.FailureRatio <= 0 || c.Gateway.Breaker.FailureRatio > 1 {
		errs = append(errs, fmt.Errorf("gateway.breaker.failure_ratio must be in (0, 1], got %v", c.Gateway.Breaker.FailureRatio))
	}

	seen := make(map[string]bool, len(c.Connectors))
	for _, cc := range c.Connectors {
		if seen[cc.ID] {
			errs = append(errs, fmt.Errorf("connectors: duplicate id %q", cc.ID))
		}
		seen[cc.ID] = true
		if err := cc.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Gateway.DefaultConnector != "" && len(c.Connectors) > 0 && !seen[c.Gateway.DefaultConnector] {
		errs = append(errs, fmt.Errorf("gateway.default_connector %q is not a configured connector", c.Gateway.DefaultConnector))
	}

	// Production environment checks
	env := os.Getenv("ENV")
	if env == "production" || env == "prod" {
		if c.Database.Password == "" {
			errs = append(errs, fmt.Errorf("database.password required in production"))
		}
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.cors.allowed_origins", []string{"*"})
	v.SetDefault("server.cors.allow_credentials", false)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "apgateway")
	v.SetDefault("database.database", "apgateway")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.min_connections", 2)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.ssl_mode", "disable")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.connect_retries", 5)
	v.SetDefault("redis.connect_retry_delay", "1s")

	// Gateway defaults
	v.SetDefault("gateway.health_timeout", "5s")
	v.SetDefault("gateway.cert_warn_days", 30)
	v.SetDefault("gateway.monitor_interval", "1h")
	v.SetDefault("gateway.webhook_stream", "einvoice:webhooks")
	v.SetDefault("gateway.transmission_stream", "einvoice:transmissions")
	v.SetDefault("gateway.alert_stream", "einvoice:certificate-alerts")
	v.SetDefault("gateway.registration_lock_ttl", "60s")
	v.SetDefault("gateway.receipt_ttl", "720h")
	v.SetDefault("gateway.idempotency_ttl", "24h")
	v.SetDefault("gateway.webhook_rate_limit", 600)
	v.SetDefault("gateway.max_document_bytes", 10<<20)
	v.SetDefault("gateway.breaker.max_requests", 5)
	v.SetDefault("gateway.breaker.interval", "60s")
	v.SetDefault("gateway.breaker.timeout", "30s")
	v.SetDefault("gateway.breaker.min_requests", 10)
	v.SetDefault("gateway.breaker.failure_ratio", 0.6)

	// Worker defaults
	v.SetDefault("worker.consumer_group", "receipts")
	v.SetDefault("worker.batch_size", 10)
	v.SetDefault("worker.block_duration", "5s")
	v.SetDefault("worker.stream_max_len", 100000)
	v.SetDefault("worker.cleanup_interval", "1h")

	// Observability defaults
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_tracing", false)

	// Instance ID
	v.SetDefault("instance_id", "apgateway-1")
}

func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// MigrationURL is the URL form of the DSN expected by golang-migrate.
func (c *DatabaseConfig) MigrationURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	return u.String()
}

func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
