package config

import (
	"time"

	"github.com/planforge/planforge/pkg/telemetry"
)

// Config is the top-level PlanForge configuration, loaded from YAML.
type Config struct {
	// Service holds service identity used by telemetry.
	Service ServiceConfig `yaml:"service"`

	// Storage configures the durable state store.
	Storage StorageConfig `yaml:"storage"`

	// Policy configures plan execution policy. This section is re-read
	// live when the config file changes.
	Policy PolicyConfig `yaml:"policy"`

	// Device configures the device transport and client.
	Device DeviceConfig `yaml:"device"`

	// Approval configures the approval token service.
	Approval ApprovalConfig `yaml:"approval"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing configures distributed tracing.
	Tracing TracingConfig `yaml:"tracing"`

	// Events configures the event publisher.
	Events EventsConfig `yaml:"events"`
}

// ServiceConfig identifies the service to telemetry backends.
type ServiceConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// StorageConfig configures the SQLite store.
type StorageConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path" validate:"required"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// LeaseMaxAge is how long a job lease is honored before a new job may
	// take it over from a dead engine.
	LeaseMaxAge time.Duration `yaml:"lease_max_age"`
}

// PolicyConfig configures execution policy. RequireApproval defaults to
// true; an explicit `require_approval: false` is needed to disable the
// approval gate.
type PolicyConfig struct {
	RequireApproval *bool         `yaml:"require_approval"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
}

// DeviceConfig configures the device transport and client.
type DeviceConfig struct {
	// BaseURL is the device management API root.
	BaseURL string `yaml:"base_url" validate:"required,url"`

	// AuthToken authenticates against the device management API.
	AuthToken string `yaml:"auth_token"`

	DialTimeout   time.Duration `yaml:"dial_timeout"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffCap    time.Duration `yaml:"backoff_cap"`
	MaxInFlight   int64         `yaml:"max_in_flight"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	RateBurst     int           `yaml:"rate_burst"`
}

// ApprovalConfig configures the approval token service.
type ApprovalConfig struct {
	// SigningKey is the HMAC key for approval tokens. Required when
	// policy.require_approval is on.
	SigningKey string `yaml:"signing_key"`

	// TokenTTL is the approval token validity window.
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
	Output string `yaml:"output"`
	Caller bool   `yaml:"caller"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
	Path          string `yaml:"path"`
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
	Insecure     bool    `yaml:"insecure"`
}

// EventsConfig configures the event publisher.
type EventsConfig struct {
	Enabled    bool `yaml:"enabled"`
	BufferSize int  `yaml:"buffer_size"`
	Async      bool `yaml:"async"`
}

// ApplyDefaults fills zero values with production defaults.
func (c *Config) ApplyDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = "planforge"
	}
	if c.Service.Version == "" {
		c.Service.Version = "dev"
	}
	if c.Service.Environment == "" {
		c.Service.Environment = "development"
	}

	if c.Policy.RequireApproval == nil {
		on := true
		c.Policy.RequireApproval = &on
	}

	if c.Approval.TokenTTL == 0 {
		c.Approval.TokenTTL = 5 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stderr"
	}

	if c.Metrics.ListenAddress == "" {
		c.Metrics.ListenAddress = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "stdout"
	}
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 1.0
	}

	if c.Events.BufferSize == 0 {
		c.Events.BufferSize = 1000
	}
}

// Telemetry converts the configuration into the telemetry package's form.
func (c *Config) Telemetry() *telemetry.Config {
	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceName = c.Service.Name
	tcfg.ServiceVersion = c.Service.Version
	tcfg.Environment = c.Service.Environment

	tcfg.Logging.Level = c.Logging.Level
	tcfg.Logging.Format = c.Logging.Format
	tcfg.Logging.Output = c.Logging.Output
	tcfg.Logging.EnableCaller = c.Logging.Caller

	tcfg.Metrics.Enabled = c.Metrics.Enabled
	tcfg.Metrics.ListenAddress = c.Metrics.ListenAddress
	tcfg.Metrics.Path = c.Metrics.Path

	tcfg.Tracing.Enabled = c.Tracing.Enabled
	tcfg.Tracing.Exporter = c.Tracing.Exporter
	tcfg.Tracing.Endpoint = c.Tracing.Endpoint
	tcfg.Tracing.SamplingRate = c.Tracing.SamplingRate
	tcfg.Tracing.Insecure = c.Tracing.Insecure

	tcfg.Events.Enabled = c.Events.Enabled
	tcfg.Events.BufferSize = c.Events.BufferSize
	tcfg.Events.EnableAsync = c.Events.Async

	return tcfg
}
