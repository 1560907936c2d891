package telemetry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Deployment environments understood by ForEnvironment.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config bundles the settings of every telemetry signal.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`
	Environment    string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error fatal"`
	Format string `validate:"oneof=console json"`

	// Output is stdout, stderr or a file path.
	Output string

	EnableCaller bool

	// Sampling keeps SamplingInitial records per second, then every
	// SamplingThereafter-th record.
	EnableSampling     bool
	SamplingInitial    int
	SamplingThereafter int

	// TimeFormat is one of unix, unixms, unixmicro or rfc3339.
	TimeFormat string
}

// TracingConfig configures the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none.
	Exporter string `validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP gRPC collector address, e.g. "collector:4317".
	Endpoint string
	Insecure bool
	Headers  map[string]string

	SamplingRate       float64 `validate:"gte=0,lte=1"`
	MaxExportBatchSize int     `validate:"gte=0"`
	ExportTimeout      time.Duration
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled bool

	// ListenAddress starts a dedicated metrics listener when set. The API
	// server exposes the same registry on /metrics regardless.
	ListenAddress string

	Path      string `validate:"required_if=Enabled true"`
	Namespace string

	// DefaultHistogramBuckets are latency buckets in seconds.
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the lifecycle event publisher.
type EventsConfig struct {
	Enabled bool

	BufferSize int `validate:"required_if=Enabled true,gte=0"`

	// RedisChannel, when set, mirrors every event to a Redis pub/sub
	// channel on the store's Redis connection.
	RedisChannel string

	// EnableAsync delivers events from a background goroutine. Synchronous
	// delivery is meant for tests.
	EnableAsync bool
}

// DefaultConfig returns the configuration the service starts from: console
// logs on stderr, metrics and events on, tracing off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "teamcloud",
		ServiceVersion: "dev",
		Environment:    EnvDevelopment,
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			EnableCaller:       true,
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "stdout",
			Insecure:           true,
			Headers:            map[string]string{},
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "teamcloud",
			// Provider round trips range from milliseconds to many minutes.
			DefaultHistogramBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  1000,
			EnableAsync: true,
		},
	}
}

// ForEnvironment returns DefaultConfig tuned for env. Production logs JSON,
// samples and exports a tenth of the traces over OTLP. Development logs at
// debug level and prints every trace to stdout. Other environments get the
// defaults.
func ForEnvironment(env string) *Config {
	cfg := DefaultConfig()
	cfg.Environment = env

	switch env {
	case EnvProduction:
		cfg.Logging.Format = "json"
		cfg.Logging.EnableSampling = true
		cfg.Logging.TimeFormat = "unix"
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = "otlp"
		cfg.Tracing.SamplingRate = 0.1
		cfg.Tracing.Insecure = false
	case EnvDevelopment:
		cfg.Logging.Level = "debug"
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = "stdout"
	}
	return cfg
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Tracing.Enabled && c.Tracing.Exporter == "" {
		return fmt.Errorf("invalid telemetry config: tracing is enabled without an exporter")
	}

	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		msgs[i] = fmt.Sprintf("%s=%v failed %q", fe.Namespace(), fe.Value(), fe.Tag())
	}
	return fmt.Errorf("invalid telemetry config: %s", strings.Join(msgs, "; "))
}
