package config

import "time"

// Config is the service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Locks     LocksConfig     `yaml:"locks"`
	Redis     RedisConfig     `yaml:"redis"`
	Callback  CallbackConfig  `yaml:"callback"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Policy    PolicyConfig    `yaml:"policy"`
	Providers ProvidersConfig `yaml:"providers"`
	Engine    EngineConfig    `yaml:"engine"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the HTTP boundary.
type ServerConfig struct {
	// Address is the listen address, e.g. ":8080".
	Address string `yaml:"address" validate:"required,hostname_port"`

	// BaseURL is the public root of the API used in status and location links.
	BaseURL string `yaml:"base_url" validate:"required,url"`

	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	// Path is the database file, or ":memory:".
	Path string `yaml:"path" validate:"required"`

	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	ProjectCacheTTL time.Duration `yaml:"project_cache_ttl" validate:"gte=0"`
}

// Lock backends.
const (
	LockBackendMemory = "memory"
	LockBackendRedis  = "redis"
)

// LocksConfig selects the document lock backend.
type LocksConfig struct {
	Backend string `yaml:"backend" validate:"required,oneof=memory redis"`

	// TTL is the Redis lease duration.
	TTL time.Duration `yaml:"ttl" validate:"gte=0"`

	// RetryInterval is how often a blocked Redis acquire polls.
	RetryInterval time.Duration `yaml:"retry_interval" validate:"gte=0"`

	Prefix string `yaml:"prefix"`
}

// RedisConfig configures the Redis connection shared by the lock backend
// and the event notifier.
type RedisConfig struct {
	Address  string `yaml:"address" validate:"omitempty,hostname_port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`

	// EventPrefix namespaces event notifications. Notifications go through
	// Redis only when an address is set.
	EventPrefix string `yaml:"event_prefix"`

	// LifecycleChannel mirrors command lifecycle events to a pub/sub
	// channel when set.
	LifecycleChannel string `yaml:"lifecycle_channel"`
}

// Callback key sources.
const (
	KeySourceLocal  = "local"
	KeySourceRemote = "remote"
)

// CallbackConfig configures callback URLs and their keys.
type CallbackConfig struct {
	// HostURL is the public root under which callback URLs are issued.
	HostURL string `yaml:"host_url" validate:"required,url"`

	// MasterKey guards the admin key surface.
	MasterKey string `yaml:"master_key"`

	// KeySource is "local" to keep keys in the store, or "remote" to
	// manage them through the admin surface at HostURL.
	KeySource string `yaml:"key_source" validate:"required,oneof=local remote"`
}

// CatalogConfig configures the provider catalog.
type CatalogConfig struct {
	// Path is a catalog file or directory of .yaml and .cue files.
	Path string `yaml:"path" validate:"required"`

	// Watch reloads the catalog when its files change.
	Watch bool `yaml:"watch"`

	ReloadDelay time.Duration `yaml:"reload_delay" validate:"gte=0"`
}

// PolicyConfig lists Rego libraries available to provider conditions.
type PolicyConfig struct {
	Paths []string `yaml:"paths"`
}

// ProvidersConfig configures the provider HTTP client.
type ProvidersConfig struct {
	// RetryMax applies to callback key administration calls. Provider
	// commands are retried by Engine.SendAttempts.
	RetryMax       int               `yaml:"retry_max" validate:"gte=0"`
	RequestTimeout time.Duration     `yaml:"request_timeout" validate:"gte=0"`
	Headers        map[string]string `yaml:"headers"`
}

// EngineConfig configures the orchestration engine and workflow host.
type EngineConfig struct {
	// ProviderTimeout applies to providers without their own timeout.
	ProviderTimeout time.Duration `yaml:"provider_timeout" validate:"gt=0"`

	// PollInterval bounds how long a waiter may miss a notification.
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`

	// SendAttempts bounds the attempts to post a command to a provider.
	SendAttempts int `yaml:"send_attempts" validate:"gte=1"`
}

// TelemetryConfig configures logging, tracing and metrics.
type TelemetryConfig struct {
	Environment string `yaml:"environment"`

	LogLevel  string `yaml:"log_level" validate:"required,oneof=trace debug info warn error fatal"`
	LogFormat string `yaml:"log_format" validate:"required,oneof=console json"`

	TracingEnabled  bool              `yaml:"tracing_enabled"`
	TracingExporter string            `yaml:"tracing_exporter" validate:"omitempty,oneof=otlp stdout none"`
	TracingEndpoint string            `yaml:"tracing_endpoint"`
	TracingInsecure bool              `yaml:"tracing_insecure"`
	TracingHeaders  map[string]string `yaml:"tracing_headers"`
	SamplingRate    float64           `yaml:"sampling_rate" validate:"gte=0,lte=1"`

	MetricsEnabled bool `yaml:"metrics_enabled"`

	// MetricsAddress serves metrics on a dedicated listener in addition
	// to the API server.
	MetricsAddress string `yaml:"metrics_address" validate:"omitempty,hostname_port"`

	EventsEnabled bool `yaml:"events_enabled"`
}
