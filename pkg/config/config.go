package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ankisho/TeamCloud/pkg/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TEAMCLOUD_"

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			BaseURL:         "http://localhost:8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Path:            "teamcloud.db",
			ProjectCacheTTL: 10 * time.Minute,
		},
		Locks: LocksConfig{
			Backend:       LockBackendMemory,
			TTL:           30 * time.Second,
			RetryInterval: 50 * time.Millisecond,
			Prefix:        "teamcloud:lock:",
		},
		Redis: RedisConfig{
			EventPrefix: "teamcloud:events:",
		},
		Callback: CallbackConfig{
			HostURL:   "http://localhost:8080",
			KeySource: KeySourceLocal,
		},
		Catalog: CatalogConfig{
			Path:        "catalog",
			Watch:       true,
			ReloadDelay: 500 * time.Millisecond,
		},
		Providers: ProvidersConfig{
			RetryMax:       3,
			RequestTimeout: 30 * time.Second,
		},
		Engine: EngineConfig{
			ProviderTimeout: 30 * time.Minute,
			PollInterval:    time.Second,
			SendAttempts:    5,
		},
		Telemetry: TelemetryConfig{
			Environment:     "development",
			LogLevel:        "info",
			LogFormat:       "console",
			TracingExporter: "stdout",
			TracingInsecure: true,
			SamplingRate:    1.0,
			MetricsEnabled:  true,
			EventsEnabled:   true,
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML content over the defaults and validates it. Environment
// variables are not consulted.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// envBinding applies one environment variable.
type envBinding struct {
	name  string
	apply func(c *Config, value string) error
}

var envBindings = []envBinding{
	{"SERVER_ADDRESS", func(c *Config, v string) error { c.Server.Address = v; return nil }},
	{"BASE_URL", func(c *Config, v string) error { c.Server.BaseURL = v; return nil }},
	{"STORE_PATH", func(c *Config, v string) error { c.Store.Path = v; return nil }},
	{"LOCKS_BACKEND", func(c *Config, v string) error { c.Locks.Backend = v; return nil }},
	{"REDIS_ADDRESS", func(c *Config, v string) error { c.Redis.Address = v; return nil }},
	{"REDIS_PASSWORD", func(c *Config, v string) error { c.Redis.Password = v; return nil }},
	{"REDIS_DB", func(c *Config, v string) error { return setInt(&c.Redis.DB, v) }},
	{"REDIS_LIFECYCLE_CHANNEL", func(c *Config, v string) error { c.Redis.LifecycleChannel = v; return nil }},
	{"CALLBACK_HOST_URL", func(c *Config, v string) error { c.Callback.HostURL = v; return nil }},
	{"CALLBACK_MASTER_KEY", func(c *Config, v string) error { c.Callback.MasterKey = v; return nil }},
	{"CALLBACK_KEY_SOURCE", func(c *Config, v string) error { c.Callback.KeySource = v; return nil }},
	{"CATALOG_PATH", func(c *Config, v string) error { c.Catalog.Path = v; return nil }},
	{"CATALOG_WATCH", func(c *Config, v string) error { return setBool(&c.Catalog.Watch, v) }},
	{"POLICY_PATHS", func(c *Config, v string) error { c.Policy.Paths = splitList(v); return nil }},
	{"PROVIDER_TIMEOUT", func(c *Config, v string) error { return setDuration(&c.Engine.ProviderTimeout, v) }},
	{"SEND_ATTEMPTS", func(c *Config, v string) error { return setInt(&c.Engine.SendAttempts, v) }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Telemetry.LogLevel = strings.ToLower(v); return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Telemetry.LogFormat = v; return nil }},
	{"TRACING_ENABLED", func(c *Config, v string) error { return setBool(&c.Telemetry.TracingEnabled, v) }},
	{"TRACING_ENDPOINT", func(c *Config, v string) error { c.Telemetry.TracingEndpoint = v; return nil }},
	{"METRICS_ENABLED", func(c *Config, v string) error { return setBool(&c.Telemetry.MetricsEnabled, v) }},
}

// ApplyEnv applies TEAMCLOUD_* overrides found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		value, ok := lookup(EnvPrefix + b.name)
		if !ok {
			continue
		}
		if err := b.apply(c, value); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, b.name, err)
		}
	}
	return nil
}

// Validate checks field constraints and the rules that span sections.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, len(verrs))
			for i, fe := range verrs {
				msgs[i] = fmt.Sprintf("%s failed on %q", fe.Namespace(), fe.Tag())
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Locks.Backend == LockBackendRedis && c.Redis.Address == "" {
		return fmt.Errorf("invalid configuration: redis.address is required for the redis lock backend")
	}
	if c.Callback.KeySource == KeySourceRemote && c.Callback.MasterKey == "" {
		return fmt.Errorf("invalid configuration: callback.master_key is required for remote callback keys")
	}
	if c.Telemetry.TracingEnabled && c.Telemetry.TracingExporter == "otlp" && c.Telemetry.TracingEndpoint == "" {
		return fmt.Errorf("invalid configuration: telemetry.tracing_endpoint is required for the otlp exporter")
	}
	return nil
}

// TelemetryConfig converts the telemetry section for package telemetry.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	if version != "" {
		tc.ServiceVersion = version
	}
	if c.Telemetry.Environment != "" {
		tc.Environment = c.Telemetry.Environment
	}

	tc.Logging.Level = c.Telemetry.LogLevel
	tc.Logging.Format = c.Telemetry.LogFormat

	tc.Tracing.Enabled = c.Telemetry.TracingEnabled
	if c.Telemetry.TracingExporter != "" {
		tc.Tracing.Exporter = c.Telemetry.TracingExporter
	}
	tc.Tracing.Endpoint = c.Telemetry.TracingEndpoint
	tc.Tracing.Insecure = c.Telemetry.TracingInsecure
	tc.Tracing.SamplingRate = c.Telemetry.SamplingRate
	for k, v := range c.Telemetry.TracingHeaders {
		tc.Tracing.Headers[k] = v
	}

	tc.Metrics.Enabled = c.Telemetry.MetricsEnabled
	tc.Metrics.ListenAddress = c.Telemetry.MetricsAddress

	tc.Events.Enabled = c.Telemetry.EventsEnabled
	if c.Redis.Address != "" {
		tc.Events.RedisChannel = c.Redis.LifecycleChannel
	}
	return tc
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
